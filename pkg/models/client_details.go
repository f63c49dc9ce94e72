package models

import "fmt"

// BrokerClients exposes the clients connected to the embedded broker.
type BrokerClients interface {
	Clients() []*ClientDetails
}

type ClientDetails struct {
	UserID    string `json:"user"`
	ClientID  string `json:"client_id"`
	NodeID    string `json:"node_id,omitempty"`
	LongName  string `json:"long_name,omitempty"`
	ShortName string `json:"short_name,omitempty"`
	ProxyType string `json:"proxy_type,omitempty"`
	Address   string `json:"address"`
	Admin     bool   `json:"admin,omitempty"`
}

func (c *ClientDetails) IsMeshDevice() bool {
	return c.NodeID != "" || c.ProxyType != ""
}

func (c *ClientDetails) GetDisplayName() string {
	if c.LongName == "" {
		return c.ClientID
	}
	return fmt.Sprintf("%s (%s)", c.LongName, c.ShortName)
}

package models

import "time"

// MeshtasticNode is the last known identity of a mesh node.
type MeshtasticNode struct {
	// NodeID in "!xxxxxxxx" form
	NodeID    string    `db:"node_id" json:"node_id"`
	LongName  string    `db:"long_name" json:"long_name"`
	ShortName string    `db:"short_name" json:"short_name"`
	HwModel   string    `db:"hw_model" json:"hw_model"`
	FirstSeen time.Time `db:"first_seen" json:"first_seen"`
	LastHeard time.Time `db:"last_heard" json:"last_heard"`
}

// DisplayName prefers the long name and falls back to the node ID.
func (n *MeshtasticNode) DisplayName() string {
	if n.LongName != "" {
		return n.LongName
	}
	if n.ShortName != "" {
		return n.ShortName
	}
	return n.NodeID
}

type Location struct {
	ID           int64     `db:"id" json:"id"`
	NodeID       string    `db:"node_id" json:"node_id"`
	Latitude     float64   `db:"latitude" json:"latitude"`
	Longitude    float64   `db:"longitude" json:"longitude"`
	Altitude     float64   `db:"altitude" json:"altitude"`
	BatteryLevel *int      `db:"battery_level" json:"battery_level,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type StoredMessage struct {
	ID        int64     `db:"id" json:"id"`
	NodeID    string    `db:"node_id" json:"node_id"`
	Text      string    `db:"text" json:"text"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

package broker

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/packets"
	"google.golang.org/protobuf/proto"

	mtauth "github.com/kabili207/meshtg-gateway/pkg/auth"
	"github.com/kabili207/meshtg-gateway/pkg/config"
	"github.com/kabili207/meshtg-gateway/pkg/models"
)

const (
	meshDevicePattern   = `^(?:Meshtastic(Android|Apple)MqttProxy-)?(![0-9a-f]{8})$`
	unknownProxyPattern = `^Meshtastic(Android|Apple)MqttProxy-(.+)$`
)

var (
	meshDeviceRegex   = regexp.MustCompile(meshDevicePattern)
	unknownProxyRegex = regexp.MustCompile(unknownProxyPattern)

	ErrNotMeshPayload = errors.New("payload is not a meshtastic service envelope")
)

// MeshtasticHookOptions contains configuration settings for the hook.
type MeshtasticHookOptions struct {
	// Root is the mesh topic root, e.g. "msh/US"
	Root  string
	Users []config.BrokerUser
}

var _ models.BrokerClients = (*MeshtasticHook)(nil)

// MeshtasticHook authenticates radios and the gateway against the configured
// users and keeps non-mesh payloads out of the mesh topic tree.
type MeshtasticHook struct {
	mqtt.HookBase
	users        map[string]config.BrokerUser
	meshFilter   auth.RString
	root         string
	knownClients map[string]*models.ClientDetails
	clientLock   sync.RWMutex
}

func (h *MeshtasticHook) ID() string {
	return "meshtg-hook"
}

func (h *MeshtasticHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnPublish,
	}, []byte{b})
}

func (h *MeshtasticHook) Init(cfg any) error {
	opts, ok := cfg.(*MeshtasticHookOptions)
	if !ok || opts == nil {
		return mqtt.ErrInvalidConfigType
	}
	if opts.Root == "" {
		return mqtt.ErrInvalidConfigType
	}

	h.root = strings.TrimSuffix(opts.Root, "/")
	h.meshFilter = auth.RString(h.root + "/2/#")
	h.users = make(map[string]config.BrokerUser, len(opts.Users))
	for _, u := range opts.Users {
		h.users[u.Username] = u
	}
	h.knownClients = make(map[string]*models.ClientDetails)
	h.Log.Info("initialised", "root", h.root, "users", len(h.users))
	return nil
}

// Clients lists the clients currently connected.
func (h *MeshtasticHook) Clients() []*models.ClientDetails {
	h.clientLock.RLock()
	defer h.clientLock.RUnlock()

	clients := make([]*models.ClientDetails, 0, len(h.knownClients))
	for _, c := range h.knownClients {
		cd := *c
		clients = append(clients, &cd)
	}
	return clients
}

func (h *MeshtasticHook) validateUser(user, pass string) (config.BrokerUser, bool) {
	u, ok := h.users[user]
	if !ok {
		return u, false
	}
	return u, mtauth.Verify(pass, u.Salt, u.Hash)
}

// OnConnectAuthenticate returns true if the connecting client presents a
// configured username and password.
func (h *MeshtasticHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	user := string(pk.Connect.Username)
	u, validated := h.validateUser(user, string(pk.Connect.Password))
	if !validated {
		h.Log.Info("client failed authentication check", "username", user, "client", cl.ID, "remote", cl.Net.Remote)
		return false
	}

	nodeID, proxyType := "", ""
	if matches := meshDeviceRegex.FindStringSubmatch(cl.ID); matches != nil {
		proxyType = matches[1]
		nodeID = matches[2]
	} else if matches := unknownProxyRegex.FindStringSubmatch(cl.ID); matches != nil {
		proxyType = matches[1]
	}

	h.clientLock.Lock()
	h.knownClients[cl.ID] = &models.ClientDetails{
		UserID:    user,
		ClientID:  cl.ID,
		NodeID:    nodeID,
		ProxyType: proxyType,
		Address:   cl.Net.Remote,
		Admin:     u.Admin,
	}
	h.clientLock.Unlock()
	h.Log.Info("client authenticated", "username", user, "client", cl.ID, "node", nodeID, "proxy", proxyType)
	return true
}

// OnACLCheck returns true if the connecting client has matching read or write access to subscribe
// or publish to a given topic.
func (h *MeshtasticHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if topic == "will" || topic == "/will" {
		return true
	}

	h.clientLock.RLock()
	cd, ok := h.knownClients[cl.ID]
	h.clientLock.RUnlock()
	if !ok {
		h.Log.Warn("unknown client in ACL check", "client", cl.ID, "topic", topic)
		return false
	}
	if cd.Admin {
		return true
	}
	if !h.meshFilter.FilterMatches(topic) {
		return false
	}
	if !cd.IsMeshDevice() {
		// Non-mesh clients are only allowed to read
		return !write
	}
	return true
}

func (h *MeshtasticHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.clientLock.Lock()
	delete(h.knownClients, cl.ID)
	h.clientLock.Unlock()
	if err != nil {
		h.Log.Info("client disconnected", "client", cl.ID, "expire", expire, "error", err)
	} else {
		h.Log.Info("client disconnected", "client", cl.ID, "expire", expire)
	}
}

func (h *MeshtasticHook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, reasonCodes []byte) {
	h.Log.Debug(fmt.Sprintf("subscribed qos=%v", reasonCodes), "client", cl.ID, "filters", pk.Filters)
}

func (h *MeshtasticHook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	h.Log.Debug("unsubscribed", "client", cl.ID, "filters", pk.Filters)
}

// OnPublish rejects payloads in the encrypted mesh tree that are not service envelopes.
func (h *MeshtasticHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if !strings.HasPrefix(pk.TopicName, h.root+"/2/e/") {
		return pk, nil
	}
	var env pb.ServiceEnvelope
	if err := proto.Unmarshal(pk.Payload, &env); err != nil || env.Packet == nil {
		h.Log.Warn("received non-mesh payload from client", "client", cl.ID, "topic", pk.TopicName)
		return pk, ErrNotMeshPayload
	}
	return pk, nil
}

package meshtastic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jellydator/ttlcache/v3"
	"github.com/kabili207/meshtastic-go/core/crypto"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	"github.com/kabili207/meshtg-gateway/pkg/meshtastic/pki"
)

const (
	// ConnectionUnit is the name of the goroutine that owns the broker session.
	ConnectionUnit = "Meshtastic Connection"

	bitfieldOkToMQTT = 1
	nodeInfoTTL      = 72 * time.Hour
	connectTimeout   = 15 * time.Second
)

var (
	ErrNotConnected = errors.New("mesh connection not established")

	statTopicRegex = regexp.MustCompile(`/2/stat/(![a-f0-9]{8})$`)
)

// Spawner starts named goroutines whose liveness is observed externally.
type Spawner interface {
	Go(name string, fn func())
}

// Handler receives decoded packets from the mesh.
type Handler interface {
	OnReceive(ctx context.Context, pkt Packet)
}

type MQTTOptions struct {
	Broker   string
	Username string
	Password string
	ClientID string
	// Root is the topic root, e.g. "msh/US"
	Root    string
	Channel string
	Key     string
	// PrivateKey is the base64 X25519 key used for direct messages. Empty disables them.
	PrivateKey string
	Self       NodeID
	HopLimit   int
	Logger     *slog.Logger
	Units      Spawner
}

// MQTTInterface talks to the mesh through a Meshtastic MQTT broker.
type MQTTInterface struct {
	opts        MQTTOptions
	log         *slog.Logger
	key         []byte
	channelHash uint32
	privateKey  []byte
	publicKey   []byte

	clientLock sync.RWMutex
	client     mqtt.Client

	handler     Handler
	onConnected func(ctx context.Context)
	firstConn   sync.Once

	nodes      *ttlcache.Cache[NodeID, NodeInfo]
	statusLock sync.RWMutex
	status     map[NodeID]string

	packetIDCounter uint32
	packetIDLock    sync.Mutex

	exit     atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
}

func NewMQTTInterface(opts MQTTOptions) (*MQTTInterface, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Units == nil {
		return nil, errors.New("mesh connection needs a goroutine spawner")
	}
	if opts.Channel == "" {
		opts.Channel = "LongFast"
	}
	if opts.Root == "" {
		opts.Root = "msh/US"
	}
	if opts.ClientID == "" {
		opts.ClientID = "meshtg-" + opts.Self.String()
	}

	key := crypto.DefaultKey
	if opts.Key != "" {
		var err error
		key, err = crypto.ParseKey(opts.Key)
		if err != nil {
			return nil, fmt.Errorf("parse channel key: %w", err)
		}
	}
	hash, err := crypto.ChannelHash(opts.Channel, key)
	if err != nil {
		return nil, fmt.Errorf("channel hash: %w", err)
	}

	var privateKey, publicKey []byte
	if opts.PrivateKey != "" {
		privateKey, err = pki.ParseKey(opts.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		publicKey, err = pki.PublicKey(privateKey)
		if err != nil {
			return nil, fmt.Errorf("derive public key: %w", err)
		}
	}

	nodes := ttlcache.New[NodeID, NodeInfo](
		ttlcache.WithTTL[NodeID, NodeInfo](nodeInfoTTL),
	)
	go nodes.Start()

	return &MQTTInterface{
		opts:        opts,
		log:         opts.Logger.With("component", "mesh"),
		key:         key,
		channelHash: hash,
		privateKey:  privateKey,
		publicKey:   publicKey,
		nodes:       nodes,
		status:      make(map[NodeID]string),
		stopChan:    make(chan struct{}),
	}, nil
}

// SetHandler registers the receiver of inbound packets. Must be called before Run.
func (m *MQTTInterface) SetHandler(h Handler) {
	m.handler = h
}

// SetOnConnected registers a callback fired once, after the first successful connection.
func (m *MQTTInterface) SetOnConnected(fn func(ctx context.Context)) {
	m.onConnected = fn
}

func (m *MQTTInterface) Self() NodeID {
	return m.opts.Self
}

// Run starts the connection goroutine and returns immediately.
func (m *MQTTInterface) Run() error {
	if m.exit.Load() {
		return errors.New("mesh connection already shut down")
	}
	m.opts.Units.Go(ConnectionUnit, m.connectionLoop)
	return nil
}

// Exited reports a voluntary shutdown.
func (m *MQTTInterface) Exited() bool {
	return m.exit.Load()
}

func (m *MQTTInterface) Shutdown() {
	m.exit.Store(true)
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.nodes.Stop()
	})
}

// connectionLoop owns one broker session and returns when it is lost, so the
// supervisor sees the unit disappear and restarts it.
func (m *MQTTInterface) connectionLoop() {
	lost := make(chan error, 1)

	opts := mqtt.NewClientOptions().
		AddBroker(m.opts.Broker).
		SetClientID(m.opts.ClientID).
		SetUsername(m.opts.Username).
		SetPassword(m.opts.Password).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		m.log.Error("mqtt connect timed out", "broker", m.opts.Broker)
		return
	}
	if err := token.Error(); err != nil {
		m.log.Error("mqtt connect failed", "broker", m.opts.Broker, "error", err)
		return
	}

	filters := map[string]byte{
		m.opts.Root + "/2/e/" + m.opts.Channel + "/#": 0,
		m.opts.Root + "/2/stat/#":                     0,
	}
	sub := client.SubscribeMultiple(filters, m.handleMessage)
	if !sub.WaitTimeout(connectTimeout) || sub.Error() != nil {
		m.log.Error("mqtt subscribe failed", "error", sub.Error())
		client.Disconnect(250)
		return
	}

	m.clientLock.Lock()
	m.client = client
	m.clientLock.Unlock()
	m.log.Info("mesh connection established", "broker", m.opts.Broker, "channel", m.opts.Channel, "node", m.opts.Self)

	m.firstConn.Do(func() {
		if m.onConnected != nil {
			go m.onConnected(context.Background())
		}
	})

	select {
	case err := <-lost:
		m.log.Warn("mesh connection lost", "error", err)
	case <-m.stopChan:
		client.Disconnect(250)
	}

	m.clientLock.Lock()
	m.client = nil
	m.clientLock.Unlock()
}

func (m *MQTTInterface) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	if matches := statTopicRegex.FindStringSubmatch(topic); matches != nil {
		m.handleStatus(matches[1], string(msg.Payload()))
		return
	}

	var env pb.ServiceEnvelope
	if err := proto.Unmarshal(msg.Payload(), &env); err != nil {
		m.log.Debug("dropping malformed envelope", "topic", topic, "error", err)
		return
	}
	packet := env.GetPacket()
	if packet == nil || NodeID(packet.GetFrom()) == m.opts.Self {
		return
	}

	data := packet.GetDecoded()
	if data == nil {
		if packet.GetEncrypted() == nil {
			return
		}
		var err error
		if m.isDirectToSelf(packet) {
			data, err = m.decryptDirect(packet)
		} else {
			data, err = crypto.TryDecode(packet, m.key)
		}
		if err != nil {
			m.log.Debug("unable to decrypt packet", "from", NodeID(packet.GetFrom()), "error", err)
			return
		}
	}

	pkt := Packet{
		ID:       packet.GetId(),
		From:     NodeID(packet.GetFrom()),
		To:       NodeID(packet.GetTo()),
		Gateway:  env.GetGatewayId(),
		Channel:  env.GetChannelId(),
		HopLimit: packet.GetHopLimit(),
		HopStart: packet.GetHopStart(),
		RxTime:   time.Unix(int64(packet.GetRxTime()), 0),
		PortNum:  data.GetPortnum(),
		Payload:  data.GetPayload(),
		ReplyID:  data.GetReplyId(),
		Emoji:    data.GetEmoji(),
	}
	if packet.GetRxTime() == 0 {
		pkt.RxTime = time.Now()
	}

	switch pkt.PortNum {
	case pb.PortNum_TEXT_MESSAGE_APP:
		pkt.Text = string(pkt.Payload)
	case pb.PortNum_NODEINFO_APP:
		var user pb.User
		if err := proto.Unmarshal(pkt.Payload, &user); err != nil {
			return
		}
		info := NodeInfo{
			ID:        pkt.From,
			LongName:  user.GetLongName(),
			ShortName: user.GetShortName(),
			HwModel:   user.GetHwModel().String(),
			PublicKey: user.GetPublicKey(),
			LastHeard: pkt.RxTime,
		}
		m.nodes.Set(pkt.From, info, ttlcache.DefaultTTL)
		pkt.User = &info
	case pb.PortNum_POSITION_APP:
		var pos pb.Position
		if err := proto.Unmarshal(pkt.Payload, &pos); err != nil {
			return
		}
		if pos.GetLatitudeI() == 0 && pos.GetLongitudeI() == 0 {
			break
		}
		pkt.Position = &Position{
			Latitude:  float64(pos.GetLatitudeI()) * 1e-7,
			Longitude: float64(pos.GetLongitudeI()) * 1e-7,
			Altitude:  pos.GetAltitude(),
		}
	}

	if m.handler != nil {
		m.handler.OnReceive(context.Background(), pkt)
	}
}

func (m *MQTTInterface) handleStatus(node, payload string) {
	id, err := ParseNodeID(node)
	if err != nil {
		return
	}
	m.statusLock.Lock()
	m.status[id] = strings.TrimSpace(payload)
	m.statusLock.Unlock()
}

// isDirectToSelf matches packets encrypted with our public key, which carry no channel hash.
func (m *MQTTInterface) isDirectToSelf(packet *pb.MeshPacket) bool {
	return m.privateKey != nil && packet.GetChannel() == 0 && NodeID(packet.GetTo()) == m.opts.Self
}

func (m *MQTTInterface) decryptDirect(packet *pb.MeshPacket) (*pb.Data, error) {
	peer, ok := m.peerKey(NodeID(packet.GetFrom()))
	if !ok {
		return nil, errors.New("no public key for sender")
	}
	raw, err := pki.Decrypt(packet.GetEncrypted(), m.privateKey, peer, packet.GetId(), packet.GetFrom())
	if err != nil {
		return nil, err
	}
	var data pb.Data
	if err := proto.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (m *MQTTInterface) peerKey(id NodeID) ([]byte, bool) {
	info, ok := m.NodeInfo(id)
	if !ok || len(info.PublicKey) != pki.KeySize {
		return nil, false
	}
	return info.PublicKey, true
}

// PublicKey returns the gateway's X25519 public key, or nil when direct messages are disabled.
func (m *MQTTInterface) PublicKey() []byte {
	return m.publicKey
}

// NodeStatuses returns the last online/offline state announced by MQTT-connected nodes.
func (m *MQTTInterface) NodeStatuses() map[string]string {
	m.statusLock.RLock()
	defer m.statusLock.RUnlock()
	out := make(map[string]string, len(m.status))
	for id, s := range m.status {
		out[id.String()] = s
	}
	return out
}

// NodeInfo returns the identity most recently announced by a node.
func (m *MQTTInterface) NodeInfo(id NodeID) (NodeInfo, bool) {
	item := m.nodes.Get(id, ttlcache.WithDisableTouchOnHit[NodeID, NodeInfo]())
	if item == nil {
		return NodeInfo{}, false
	}
	return item.Value(), true
}

func (m *MQTTInterface) SendText(ctx context.Context, text string, destination NodeID, replyID uint32) (uint32, error) {
	return m.SendData(ctx, []byte(text), destination, pb.PortNum_TEXT_MESSAGE_APP, DataOptions{ReplyID: replyID})
}

// SendData encrypts payload with the channel key and publishes it, returning the packet ID.
func (m *MQTTInterface) SendData(ctx context.Context, payload []byte, destination NodeID, port pb.PortNum, opts DataOptions) (uint32, error) {
	m.clientLock.RLock()
	client := m.client
	m.clientLock.RUnlock()
	if client == nil || !client.IsConnected() {
		return 0, ErrNotConnected
	}

	bitfield := uint32(bitfieldOkToMQTT)
	data := pb.Data{
		Portnum:  port,
		Payload:  payload,
		Bitfield: &bitfield,
		ReplyId:  opts.ReplyID,
		Emoji:    opts.Emoji,
	}
	rawData, err := proto.Marshal(&data)
	if err != nil {
		return 0, fmt.Errorf("marshal data: %w", err)
	}

	packetID := m.generatePacketID()
	from := uint32(m.opts.Self)
	channel := m.channelHash
	var encrypted []byte
	if peer, ok := m.directPeer(destination); ok {
		channel = 0
		encrypted, err = pki.Encrypt(rawData, m.privateKey, peer, packetID, from)
	} else {
		encrypted, err = crypto.XOR(rawData, m.key, packetID, from)
	}
	if err != nil {
		return 0, fmt.Errorf("encrypt packet: %w", err)
	}

	hopStart, hopLimit := m.getHopValues()
	pkt := pb.MeshPacket{
		Id:       packetID,
		To:       uint32(destination),
		From:     from,
		HopLimit: hopLimit,
		HopStart: hopStart,
		WantAck:  opts.WantAck,
		ViaMqtt:  true,
		RxTime:   uint32(time.Now().Unix()),
		Channel:  channel,
		PayloadVariant: &pb.MeshPacket_Encrypted{
			Encrypted: encrypted,
		},
	}
	env := pb.ServiceEnvelope{
		ChannelId: m.opts.Channel,
		GatewayId: m.opts.Self.String(),
		Packet:    &pkt,
	}
	rawEnv, err := proto.Marshal(&env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	topic := m.opts.Root + "/2/e/" + m.opts.Channel + "/" + m.opts.Self.String()
	token := client.Publish(topic, 0, false, rawEnv)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return 0, fmt.Errorf("publish: %w", err)
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	m.log.Debug("sent mesh packet", "id", packetID, "to", destination, "port", port, "reply_id", opts.ReplyID)
	return packetID, nil
}

// directPeer returns the key to encrypt a unicast packet with, when both sides have one.
func (m *MQTTInterface) directPeer(destination NodeID) ([]byte, bool) {
	if m.privateKey == nil || destination.IsBroadcast() {
		return nil, false
	}
	return m.peerKey(destination)
}

// getHopValues returns the HopStart and HopLimit for outgoing packets.
func (m *MQTTInterface) getHopValues() (hopStart, hopLimit uint32) {
	configured := m.opts.HopLimit
	if configured <= 0 {
		configured = 3
	}
	if configured > 7 {
		configured = 7
	}
	return uint32(configured), uint32(configured)
}

// generatePacketID generates a unique packet ID.
func (m *MQTTInterface) generatePacketID() uint32 {
	m.packetIDLock.Lock()
	defer m.packetIDLock.Unlock()

	m.packetIDCounter++
	// Mix in some randomness like the Meshtastic firmware does
	m.packetIDCounter = (m.packetIDCounter & 0x3FF) | (uint32(time.Now().UnixNano()&0x3FFFFF) << 10)
	return m.packetIDCounter
}

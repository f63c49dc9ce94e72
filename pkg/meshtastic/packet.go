package meshtastic

import (
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"
)

// Packet is a decoded mesh packet handed to receive handlers.
type Packet struct {
	ID       uint32
	From     NodeID
	To       NodeID
	Gateway  string
	Channel  string
	HopLimit uint32
	HopStart uint32
	RxTime   time.Time
	PortNum  pb.PortNum
	Payload  []byte
	// Text is set for TEXT_MESSAGE_APP packets.
	Text string
	// ReplyID is the packet this one replies or reacts to, 0 when absent.
	ReplyID uint32
	// Emoji is the raw emoji field; non-zero marks the text as a tapback reaction.
	Emoji    uint32
	Position *Position
	User     *NodeInfo
}

// IsDirect reports whether the packet was addressed to a single node.
func (p *Packet) IsDirect() bool {
	return !p.To.IsBroadcast()
}

type Position struct {
	Latitude  float64
	Longitude float64
	Altitude  int32
}

type NodeInfo struct {
	ID        NodeID
	LongName  string
	ShortName string
	HwModel   string
	// PublicKey is the node's X25519 key when it announced one.
	PublicKey []byte
	LastHeard time.Time
}

func (n NodeInfo) DisplayName() string {
	if n.LongName != "" {
		return n.LongName
	}
	if n.ShortName != "" {
		return n.ShortName
	}
	return n.ID.String()
}

// DataOptions tune a single outgoing data packet.
type DataOptions struct {
	WantAck bool
	ReplyID uint32
	Emoji   uint32
}

package meshtastic

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeID is the 32-bit address of a mesh node.
type NodeID uint32

const BROADCAST_ID NodeID = 0xFFFFFFFF

// String renders the node in the "!xxxxxxxx" form used across the mesh.
func (n NodeID) String() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

func (n NodeID) IsBroadcast() bool {
	return n == BROADCAST_ID
}

// ParseNodeID accepts "!xxxxxxxx", "0x..." hex or a plain decimal number.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	var (
		v   uint64
		err error
	)
	switch {
	case strings.HasPrefix(s, "!"):
		v, err = strconv.ParseUint(s[1:], 16, 32)
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		v, err = strconv.ParseUint(s[2:], 16, 32)
	default:
		v, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return NodeID(v), nil
}

// UnmarshalText lets NodeID be decoded straight from configuration.
func (n *NodeID) UnmarshalText(b []byte) error {
	id, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*n = id
	return nil
}

func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

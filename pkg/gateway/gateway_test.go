package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/meshtg-gateway/pkg/meshtastic"
	"github.com/kabili207/meshtg-gateway/pkg/store"
	"github.com/kabili207/meshtg-gateway/pkg/telegram"
)

const (
	testRoom int64             = -1001
	gwNode   meshtastic.NodeID = 0x0000beef
	bobNode  meshtastic.NodeID = 0x0000abcd
)

type sentPacket struct {
	ID      uint32
	Text    string
	To      meshtastic.NodeID
	ReplyID uint32
	Emoji   uint32
	Port    pb.PortNum
}

type fakeMesh struct {
	mu      sync.Mutex
	nodes   map[meshtastic.NodeID]meshtastic.NodeInfo
	nextID  uint32
	sent    []sentPacket
	failOn  string
	panicOn string

	// failAfter makes sends fail once this many packets went out. Zero disables it.
	failAfter int
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{
		nodes:  map[meshtastic.NodeID]meshtastic.NodeInfo{bobNode: {ID: bobNode, LongName: "Bob"}},
		nextID: 1000,
	}
}

func (f *fakeMesh) Self() meshtastic.NodeID {
	return gwNode
}

func (f *fakeMesh) NodeInfo(id meshtastic.NodeID) (meshtastic.NodeInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.nodes[id]
	return info, ok
}

func (f *fakeMesh) SendText(ctx context.Context, text string, to meshtastic.NodeID, replyID uint32) (uint32, error) {
	return f.SendData(ctx, []byte(text), to, pb.PortNum_TEXT_MESSAGE_APP, meshtastic.DataOptions{ReplyID: replyID})
}

func (f *fakeMesh) SendData(_ context.Context, payload []byte, to meshtastic.NodeID, port pb.PortNum, opts meshtastic.DataOptions) (uint32, error) {
	text := string(payload)
	if f.panicOn != "" && strings.Contains(text, f.panicOn) {
		panic("radio exploded")
	}
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return 0, errors.New("mesh not connected")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && len(f.sent) >= f.failAfter {
		return 0, errors.New("mesh not connected")
	}
	f.nextID++
	f.sent = append(f.sent, sentPacket{
		ID:      f.nextID,
		Text:    text,
		To:      to,
		ReplyID: opts.ReplyID,
		Emoji:   opts.Emoji,
		Port:    port,
	})
	return f.nextID, nil
}

func (f *fakeMesh) packets() []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPacket(nil), f.sent...)
}

type mockTelegram struct {
	mock.Mock
}

func (m *mockTelegram) SendMessage(_ context.Context, chatID int64, text string, replyTo int) (int, error) {
	args := m.Called(chatID, text, replyTo)
	return args.Int(0), args.Error(1)
}

func (m *mockTelegram) SendReaction(_ context.Context, chatID int64, messageID int, emoji, fallbackText string) (telegram.ReactionResult, error) {
	args := m.Called(chatID, messageID, emoji, fallbackText)
	return args.Get(0).(telegram.ReactionResult), args.Error(1)
}

type fakeAPRS struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAPRS) SendText(_ context.Context, addressee, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fmt.Sprintf("%s|%s", addressee, text))
	return nil
}

type testGateway struct {
	stores *store.Stores
	mesh   *fakeMesh
	tg     *mockTelegram
	aprs   *fakeAPRS
	coord  *Coordinator
}

func newTestGateway(t *testing.T, withDedup bool) *testGateway {
	t.Helper()
	stores, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "gateway.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	dedup := NewDedupCache(0)
	if withDedup {
		dedup = NewDedupCache(DefaultDedupTTL)
	}

	gw := &testGateway{
		stores: stores,
		mesh:   newFakeMesh(),
		tg:     &mockTelegram{},
		aprs:   &fakeAPRS{},
	}
	gw.coord, err = NewCoordinator(Options{
		Links:        stores.Links,
		Nodes:        stores.Nodes,
		Filter:       NewFilter(stores.Filters, nil),
		Dedup:        dedup,
		Mesh:         gw.mesh,
		Telegram:     gw.tg,
		APRS:         gw.aprs,
		TelegramRoom: testRoom,
		MaxHops:      7,
		ChunkLen:     280,
	})
	require.NoError(t, err)
	return gw
}

func ptr[T any](v T) *T {
	return &v
}

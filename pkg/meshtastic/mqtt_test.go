package meshtastic

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jellydator/ttlcache/v3"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/meshtg-gateway/pkg/meshtastic/pki"
	"github.com/kabili207/meshtg-gateway/pkg/supervisor"
)

func startTestBroker(t *testing.T) (*mochi.Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	server := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{ID: "t1", Address: addr})))
	require.NoError(t, server.Serve())
	t.Cleanup(func() { server.Close() })
	return server, "tcp://" + addr
}

type packetSink struct {
	mu      sync.Mutex
	packets []Packet
}

func (s *packetSink) OnReceive(_ context.Context, pkt Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, pkt)
}

func (s *packetSink) received() []Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Packet(nil), s.packets...)
}

func newTestInterface(t *testing.T, brokerURL string, self NodeID, units *supervisor.Units) *MQTTInterface {
	t.Helper()
	return newTestInterfaceWithKey(t, brokerURL, self, "", units)
}

func newTestInterfaceWithKey(t *testing.T, brokerURL string, self NodeID, privateKey string, units *supervisor.Units) *MQTTInterface {
	t.Helper()
	m, err := NewMQTTInterface(MQTTOptions{
		Broker:     brokerURL,
		ClientID:   fmt.Sprintf("test-%s", self),
		Self:       self,
		HopLimit:   3,
		PrivateKey: privateKey,
		Units:      units,
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}

func TestSendBeforeConnect(t *testing.T) {
	m, err := NewMQTTInterface(MQTTOptions{Broker: "tcp://127.0.0.1:1", Self: 0x1111, Units: supervisor.NewUnits(nil)})
	require.NoError(t, err)
	defer m.Shutdown()

	_, err = m.SendText(context.Background(), "hello", BROADCAST_ID, 0)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestMQTTRoundTrip(t *testing.T) {
	server, url := startTestBroker(t)
	units := supervisor.NewUnits(nil)

	gw := newTestInterface(t, url, 0x00001111, units)
	peer := newTestInterface(t, url, 0x00002222, units)
	sink := &packetSink{}
	peer.SetHandler(sink)

	connected := make(chan struct{}, 2)
	gw.SetOnConnected(func(context.Context) { connected <- struct{}{} })

	require.NoError(t, gw.Run())
	require.NoError(t, peer.Run())

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("never connected")
	}

	var id uint32
	require.Eventually(t, func() bool {
		var err error
		id, err = gw.SendData(context.Background(), []byte("hello mesh"), BROADCAST_ID, pb.PortNum_TEXT_MESSAGE_APP, DataOptions{ReplyID: 42})
		if err != nil {
			return false
		}
		return len(sink.received()) > 0
	}, 5*time.Second, 100*time.Millisecond)

	pkt := sink.received()[0]
	assert.Equal(t, NodeID(0x00001111), pkt.From)
	assert.Equal(t, BROADCAST_ID, pkt.To)
	assert.Equal(t, "hello mesh", pkt.Text)
	assert.Equal(t, uint32(42), pkt.ReplyID)
	assert.Equal(t, uint32(3), pkt.HopLimit)
	assert.NotZero(t, id)

	require.NoError(t, server.Publish("msh/US/2/stat/!00003333", []byte("online"), false, 0))
	require.Eventually(t, func() bool {
		return peer.NodeStatuses()["!00003333"] == "online"
	}, 2*time.Second, 20*time.Millisecond)

	assert.Len(t, connected, 0, "connection callback fires once")
	assert.True(t, units.Matches(ConnectionUnit))
}

func TestOwnPacketsAreIgnored(t *testing.T) {
	_, url := startTestBroker(t)
	units := supervisor.NewUnits(nil)

	gw := newTestInterface(t, url, 0x00001111, units)
	sink := &packetSink{}
	gw.SetHandler(sink)
	require.NoError(t, gw.Run())

	require.Eventually(t, func() bool {
		_, err := gw.SendText(context.Background(), "echo", BROADCAST_ID, 0)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, sink.received())
}

func TestShutdownEndsConnectionUnit(t *testing.T) {
	_, url := startTestBroker(t)
	units := supervisor.NewUnits(nil)
	m := newTestInterface(t, url, 0x00001111, units)

	require.NoError(t, m.Run())
	require.Eventually(t, func() bool {
		m.clientLock.RLock()
		defer m.clientLock.RUnlock()
		return m.client != nil
	}, 5*time.Second, 20*time.Millisecond)

	m.Shutdown()
	assert.True(t, m.Exited())
	require.Eventually(t, func() bool { return !units.Matches(ConnectionUnit) }, 2*time.Second, 20*time.Millisecond)
	assert.Error(t, m.Run())
}

func TestDirectMessagesUsePKI(t *testing.T) {
	_, url := startTestBroker(t)
	units := supervisor.NewUnits(nil)

	_, gwPriv, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	_, peerPriv, err := pki.GenerateKeyPair()
	require.NoError(t, err)

	gw := newTestInterfaceWithKey(t, url, 0x00001111, base64.StdEncoding.EncodeToString(gwPriv), units)
	peer := newTestInterfaceWithKey(t, url, 0x00002222, base64.StdEncoding.EncodeToString(peerPriv), units)
	require.NotNil(t, gw.PublicKey())

	gw.nodes.Set(0x00002222, NodeInfo{ID: 0x00002222, PublicKey: peer.PublicKey()}, ttlcache.DefaultTTL)
	peer.nodes.Set(0x00001111, NodeInfo{ID: 0x00001111, PublicKey: gw.PublicKey()}, ttlcache.DefaultTTL)

	sink := &packetSink{}
	peer.SetHandler(sink)
	require.NoError(t, gw.Run())
	require.NoError(t, peer.Run())

	require.Eventually(t, func() bool {
		if _, err := gw.SendText(context.Background(), "/stats", 0x00002222, 0); err != nil {
			return false
		}
		return len(sink.received()) > 0
	}, 5*time.Second, 100*time.Millisecond)

	pkt := sink.received()[0]
	assert.Equal(t, NodeID(0x00002222), pkt.To)
	assert.True(t, pkt.IsDirect())
	assert.Equal(t, "/stats", pkt.Text)
}

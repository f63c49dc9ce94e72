package broker

import (
	"fmt"
	"net"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/meshtg-gateway/pkg/auth"
	"github.com/kabili207/meshtg-gateway/pkg/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startBroker(t *testing.T) (*Broker, string) {
	t.Helper()
	hash, salt, err := auth.NewCredential("secret")
	require.NoError(t, err)
	addr := freeAddr(t)
	b, err := New(Options{
		Listen: addr,
		Root:   "msh/US",
		Users: []config.BrokerUser{
			{Username: "radio", Salt: salt, Hash: hash},
			{Username: "gateway", Salt: salt, Hash: hash, Admin: true},
		},
	})
	require.NoError(t, err)
	require.NoError(t, b.Serve())
	t.Cleanup(func() { b.Close() })
	return b, addr
}

func connect(addr, clientID, user, pass string) (paho.Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", addr)).
		SetClientID(clientID).
		SetUsername(user).
		SetPassword(pass).
		SetAutoReconnect(false).
		SetConnectRetry(false)
	c := paho.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("connect timed out")
	}
	return c, tok.Error()
}

func TestBrokerAuthenticatesUsers(t *testing.T) {
	b, addr := startBroker(t)

	c, err := connect(addr, "!deadbeef", "radio", "secret")
	require.NoError(t, err)
	defer c.Disconnect(100)

	_, err = connect(addr, "intruder", "radio", "wrong")
	assert.Error(t, err)

	_, err = connect(addr, "nobody", "ghost", "secret")
	assert.Error(t, err)

	clients := b.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, "radio", clients[0].UserID)
	assert.Equal(t, "!deadbeef", clients[0].NodeID)
	assert.True(t, clients[0].IsMeshDevice())
}

func TestBrokerClientDisconnectForgetsClient(t *testing.T) {
	b, addr := startBroker(t)

	c, err := connect(addr, "meshtg-gateway", "gateway", "secret")
	require.NoError(t, err)
	require.Len(t, b.Clients(), 1)
	assert.True(t, b.Clients()[0].Admin)

	c.Disconnect(100)
	assert.Eventually(t, func() bool { return len(b.Clients()) == 0 }, 2*time.Second, 20*time.Millisecond)
}

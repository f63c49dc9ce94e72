// Package broker runs an optional embedded MQTT broker for radios that
// uplink over MQTT directly to the gateway host.
package broker

import (
	"errors"
	"fmt"
	"log/slog"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/kabili207/meshtg-gateway/pkg/config"
	"github.com/kabili207/meshtg-gateway/pkg/models"
)

type Options struct {
	Listen string
	Root   string
	Users  []config.BrokerUser
	Logger *slog.Logger
}

type Broker struct {
	server *mqtt.Server
	hook   *MeshtasticHook
}

func New(opts Options) (*Broker, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Listen == "" {
		return nil, errors.New("broker listen address is required")
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       opts.Logger.With("component", "broker"),
	})

	hook := new(MeshtasticHook)
	err := server.AddHook(hook, &MeshtasticHookOptions{Root: opts.Root, Users: opts.Users})
	if err != nil {
		return nil, fmt.Errorf("add broker hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: opts.Listen})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("add broker listener: %w", err)
	}
	return &Broker{server: server, hook: hook}, nil
}

// Serve starts accepting connections and returns once listeners are running.
func (b *Broker) Serve() error {
	return b.server.Serve()
}

func (b *Broker) Close() error {
	return b.server.Close()
}

func (b *Broker) Clients() []*models.ClientDetails {
	return b.hook.Clients()
}

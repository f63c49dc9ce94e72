// Package plugins hosts optional in-process extensions. Plugins are compiled
// in and selected by name from configuration.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/kabili207/meshtg-gateway/pkg/config"
	"github.com/kabili207/meshtg-gateway/pkg/store"
	"github.com/kabili207/meshtg-gateway/pkg/supervisor"
)

// UnitPrefix prefixes the unit name of every running plugin.
const UnitPrefix = "Plugin "

var ErrUnknownPlugin = errors.New("unknown plugin")

// Notifier posts text to a Telegram chat.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int) (int, error)
}

// StatusSource reports the state of supervised runners.
type StatusSource interface {
	Status() []supervisor.RunnerStatus
}

// Env is what a plugin may use from the running gateway.
type Env struct {
	Config   config.PluginsConfig
	Telegram Notifier
	// Room is the chat plugins post to.
	Room    int64
	Runners StatusSource
	Links   store.LinkStore
	Logger  *slog.Logger
}

// Plugin is a long-lived extension. Start blocks until ctx is cancelled.
type Plugin interface {
	Name() string
	Start(ctx context.Context) error
}

type Factory func(env Env) (Plugin, error)

var (
	registryLock sync.RWMutex
	registry     = map[string]Factory{
		HeartbeatName: newHeartbeat,
	}
)

// Register adds a factory under name, replacing any previous one.
func Register(name string, f Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[name] = f
}

// Names returns the sorted names of all registered plugins.
func Names() []string {
	registryLock.RLock()
	defer registryLock.RUnlock()
	return slices.Sorted(maps.Keys(registry))
}

func lookup(name string) (Factory, bool) {
	registryLock.RLock()
	defer registryLock.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Host runs the enabled plugins as supervised units.
type Host struct {
	plugins []Plugin
	units   *supervisor.Units
	log     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	exit   atomic.Bool
}

// NewHost builds every plugin named in env.Config.Enabled.
func NewHost(env Env, units *supervisor.Units) (*Host, error) {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if units == nil {
		return nil, errors.New("plugin host needs a goroutine spawner")
	}
	h := &Host{
		units: units,
		log:   env.Logger.With("component", "plugins"),
	}
	for _, name := range env.Config.Enabled {
		factory, ok := lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
		}
		p, err := factory(env)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", name, err)
		}
		h.plugins = append(h.plugins, p)
	}
	return h, nil
}

func (h *Host) Plugins() []Plugin {
	return slices.Clone(h.plugins)
}

// Run starts one unit per plugin and returns immediately.
func (h *Host) Run() error {
	if h.exit.Load() {
		return errors.New("plugin host already shut down")
	}
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.mu.Unlock()

	for _, p := range h.plugins {
		h.units.Go(UnitPrefix+p.Name(), func() {
			h.log.Info("plugin started", "plugin", p.Name())
			if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				h.log.Error("plugin stopped", "plugin", p.Name(), "error", err)
			}
		})
	}
	return nil
}

func (h *Host) Exited() bool {
	return h.exit.Load()
}

func (h *Host) Shutdown() {
	h.exit.Store(true)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
}

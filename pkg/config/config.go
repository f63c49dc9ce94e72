package config

import (
	"time"

	"github.com/kabili207/meshtg-gateway/pkg/meshtastic"
)

type Configuration struct {
	// LogLevel is one of debug, info, warn or error.
	LogLevel   string           `mapstructure:"log_level"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Meshtastic MeshtasticConfig `mapstructure:"meshtastic"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	APRS       APRSConfig       `mapstructure:"aprs"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Web        WebConfig        `mapstructure:"web"`
	Forwarding ForwardingConfig `mapstructure:"forwarding"`
	Plugins    PluginsConfig    `mapstructure:"plugins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type MeshtasticConfig struct {
	Broker   string `mapstructure:"broker"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
	// Root is the MQTT topic root, e.g. "msh/US"
	Root    string `mapstructure:"root"`
	Channel string `mapstructure:"channel"`
	// Key is the base64 channel PSK. "AQ==" selects the default key.
	Key string `mapstructure:"key"`
	// PrivateKey is the base64 X25519 key for direct messages. Generate one with cmd/genpass -pki.
	PrivateKey string `mapstructure:"private_key"`
	// Self is the node ID the gateway publishes as.
	Self     meshtastic.NodeID `mapstructure:"self"`
	HopLimit int               `mapstructure:"hop_limit"`
	// MaxHops drops received packets with a larger hop limit. Zero disables the check.
	MaxHops      uint32        `mapstructure:"max_hops"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
}

type TelegramConfig struct {
	Token             string        `mapstructure:"token"`
	APIEndpoint       string        `mapstructure:"api_endpoint"`
	Room              int64         `mapstructure:"room"`
	NotificationsRoom int64         `mapstructure:"notifications_room"`
	PollTimeout       int           `mapstructure:"poll_timeout"`
	RestartDelay      time.Duration `mapstructure:"restart_delay"`
}

type APRSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Server   string `mapstructure:"server"`
	Callsign string `mapstructure:"callsign"`
	Passcode string `mapstructure:"passcode"`
	Filter   string `mapstructure:"filter"`
	// ToMeshtastic relays APRS messages addressed to the gateway.
	ToMeshtastic bool `mapstructure:"to_meshtastic"`
	// FromMeshtastic reports positions of callsign named mesh nodes.
	FromMeshtastic bool          `mapstructure:"from_meshtastic"`
	Comment        string        `mapstructure:"comment"`
	RestartDelay   time.Duration `mapstructure:"restart_delay"`
}

type BrokerConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Listen  string       `mapstructure:"listen"`
	Users   []BrokerUser `mapstructure:"users"`
}

// BrokerUser is a broker login. Generate Salt and Hash with cmd/genpass.
type BrokerUser struct {
	Username string `mapstructure:"username"`
	Salt     string `mapstructure:"salt"`
	Hash     string `mapstructure:"hash"`
	// Admin users may subscribe to every topic.
	Admin bool `mapstructure:"admin"`
}

type WebConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Listen       string        `mapstructure:"listen"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
}

type ForwardingConfig struct {
	// DedupTTL suppresses repeated mesh text from the same sender. Zero disables it.
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
	// ChunkLen is the largest mesh text payload in bytes.
	ChunkLen int `mapstructure:"chunk_len"`
}

type PluginsConfig struct {
	Enabled           []string      `mapstructure:"enabled"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RestartDelay      time.Duration `mapstructure:"restart_delay"`
}

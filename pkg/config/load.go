package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/kabili207/meshtg-gateway/pkg/meshtastic/pki"
)

const EnvPrefix = "MESHTG"

var ErrInvalidConfig = errors.New("invalid configuration")

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("database.path", "meshtg.db")

	v.SetDefault("meshtastic.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("meshtastic.username", "")
	v.SetDefault("meshtastic.password", "")
	v.SetDefault("meshtastic.client_id", "meshtg-gateway")
	v.SetDefault("meshtastic.root", "msh/US")
	v.SetDefault("meshtastic.channel", "LongFast")
	v.SetDefault("meshtastic.key", "AQ==")
	v.SetDefault("meshtastic.private_key", "")
	v.SetDefault("meshtastic.self", 0)
	v.SetDefault("meshtastic.hop_limit", 3)
	v.SetDefault("meshtastic.max_hops", 0)
	v.SetDefault("meshtastic.restart_delay", 5*time.Second)

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.api_endpoint", "")
	v.SetDefault("telegram.room", 0)
	v.SetDefault("telegram.notifications_room", 0)
	v.SetDefault("telegram.poll_timeout", 30)
	v.SetDefault("telegram.restart_delay", 5*time.Second)

	v.SetDefault("aprs.enabled", false)
	v.SetDefault("aprs.server", "rotate.aprs2.net:14580")
	v.SetDefault("aprs.callsign", "")
	v.SetDefault("aprs.passcode", "")
	v.SetDefault("aprs.filter", "")
	v.SetDefault("aprs.to_meshtastic", true)
	v.SetDefault("aprs.from_meshtastic", false)
	v.SetDefault("aprs.comment", "via Meshtastic")
	v.SetDefault("aprs.restart_delay", 10*time.Second)

	v.SetDefault("broker.enabled", false)
	v.SetDefault("broker.listen", ":1883")
	v.SetDefault("broker.users", []BrokerUser{})

	v.SetDefault("web.enabled", true)
	v.SetDefault("web.listen", "127.0.0.1:8080")
	v.SetDefault("web.restart_delay", 5*time.Second)

	v.SetDefault("forwarding.dedup_ttl", 300*time.Second)
	v.SetDefault("forwarding.chunk_len", 200)

	v.SetDefault("plugins.enabled", []string{})
	v.SetDefault("plugins.heartbeat_interval", time.Hour)
	v.SetDefault("plugins.restart_delay", 15*time.Second)
}

// Load reads the configuration file at path, or config.yaml from the working
// directory when path is empty, then applies MESHTG_ environment overrides.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Configuration, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/meshtg")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Configuration
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem found, wrapped in ErrInvalidConfig.
func (c *Configuration) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram token is required"))
	}
	if c.Telegram.Room == 0 {
		errs = append(errs, errors.New("telegram room is required"))
	}
	if c.Meshtastic.Broker == "" {
		errs = append(errs, errors.New("meshtastic broker is required"))
	}
	if c.Meshtastic.Self == 0 || c.Meshtastic.Self.IsBroadcast() {
		errs = append(errs, errors.New("meshtastic self node id is required"))
	}
	if c.Meshtastic.Channel == "" {
		errs = append(errs, errors.New("meshtastic channel is required"))
	}
	if c.Meshtastic.PrivateKey != "" {
		if _, err := pki.ParseKey(c.Meshtastic.PrivateKey); err != nil {
			errs = append(errs, fmt.Errorf("meshtastic private_key: %w", err))
		}
	}
	if c.Forwarding.ChunkLen < 20 || c.Forwarding.ChunkLen > 233 {
		errs = append(errs, fmt.Errorf("forwarding chunk_len %d out of range 20-233", c.Forwarding.ChunkLen))
	}
	if c.APRS.Enabled && c.APRS.Callsign == "" {
		errs = append(errs, errors.New("aprs callsign is required when aprs is enabled"))
	}
	if c.Broker.Enabled {
		for i, u := range c.Broker.Users {
			if u.Username == "" || u.Hash == "" || u.Salt == "" {
				errs = append(errs, fmt.Errorf("broker user %d needs username, salt and hash", i))
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// NotificationsRoom falls back to the bridged room when unset.
func (c *Configuration) NotificationsRoom() int64 {
	if c.Telegram.NotificationsRoom != 0 {
		return c.Telegram.NotificationsRoom
	}
	return c.Telegram.Room
}

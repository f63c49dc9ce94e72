package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MatusOllah/slogcolor"

	"github.com/kabili207/meshtg-gateway/pkg/aprs"
	"github.com/kabili207/meshtg-gateway/pkg/broker"
	"github.com/kabili207/meshtg-gateway/pkg/config"
	"github.com/kabili207/meshtg-gateway/pkg/gateway"
	"github.com/kabili207/meshtg-gateway/pkg/meshtastic"
	"github.com/kabili207/meshtg-gateway/pkg/models"
	"github.com/kabili207/meshtg-gateway/pkg/plugins"
	"github.com/kabili207/meshtg-gateway/pkg/routes"
	"github.com/kabili207/meshtg-gateway/pkg/store"
	"github.com/kabili207/meshtg-gateway/pkg/supervisor"
	"github.com/kabili207/meshtg-gateway/pkg/telegram"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	opts := slogcolor.DefaultOptions
	opts.Level = parseLevel(cfg.LogLevel)
	opts.TimeFormat = time.DateTime
	logger := slog.New(slogcolor.NewHandler(os.Stderr, opts))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run(cfg *config.Configuration, logger *slog.Logger) error {
	ctx := context.Background()

	stores, err := store.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	units := supervisor.NewUnits(logger)
	manager := supervisor.NewManager(units, supervisor.WithLogger(logger))

	var brokerClients models.BrokerClients
	if cfg.Broker.Enabled {
		b, err := broker.New(broker.Options{
			Listen: cfg.Broker.Listen,
			Root:   cfg.Meshtastic.Root,
			Users:  cfg.Broker.Users,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		if err := b.Serve(); err != nil {
			return fmt.Errorf("start broker: %w", err)
		}
		defer b.Close()
		brokerClients = b
		logger.Info("embedded broker listening", "address", cfg.Broker.Listen)
	}

	mesh, err := meshtastic.NewMQTTInterface(meshtastic.MQTTOptions{
		Broker:     cfg.Meshtastic.Broker,
		Username:   cfg.Meshtastic.Username,
		Password:   cfg.Meshtastic.Password,
		ClientID:   cfg.Meshtastic.ClientID,
		Root:       cfg.Meshtastic.Root,
		Channel:    cfg.Meshtastic.Channel,
		Key:        cfg.Meshtastic.Key,
		PrivateKey: cfg.Meshtastic.PrivateKey,
		Self:       cfg.Meshtastic.Self,
		HopLimit:   cfg.Meshtastic.HopLimit,
		Logger:     logger,
		Units:      units,
	})
	if err != nil {
		return err
	}

	tg, err := telegram.New(telegram.Options{
		Token:       cfg.Telegram.Token,
		APIEndpoint: cfg.Telegram.APIEndpoint,
		PollTimeout: cfg.Telegram.PollTimeout,
		Logger:      logger,
		Units:       units,
	})
	if err != nil {
		return err
	}

	dedup := gateway.NewDedupCache(cfg.Forwarding.DedupTTL)
	dedup.Start()
	defer dedup.Stop()

	gwOpts := gateway.Options{
		Links:             stores.Links,
		Nodes:             stores.Nodes,
		Filter:            gateway.NewFilter(stores.Filters, logger),
		Dedup:             dedup,
		Mesh:              mesh,
		Telegram:          tg,
		Logger:            logger,
		TelegramRoom:      cfg.Telegram.Room,
		NotificationsRoom: cfg.NotificationsRoom(),
		MaxHops:           cfg.Meshtastic.MaxHops,
		ChunkLen:          cfg.Forwarding.ChunkLen,
		APRSPositions:     cfg.APRS.FromMeshtastic,
		APRSComment:       cfg.APRS.Comment,
	}

	var aprsClient *aprs.Client
	if cfg.APRS.Enabled {
		aprsClient, err = aprs.NewClient(aprs.Options{
			Server:   cfg.APRS.Server,
			Callsign: cfg.APRS.Callsign,
			Passcode: cfg.APRS.Passcode,
			Filter:   cfg.APRS.Filter,
			Logger:   logger,
			Units:    units,
		})
		if err != nil {
			return err
		}
		gwOpts.APRS = aprsClient
	}

	coord, err := gateway.NewCoordinator(gwOpts)
	if err != nil {
		return err
	}
	mesh.SetHandler(gateway.NewMeshBot(coord))
	tg.SetHandler(gateway.NewTelegramBot(coord))
	if aprsClient != nil && cfg.APRS.ToMeshtastic {
		aprsClient.SetHandler(gateway.NewAPRSBot(coord))
	}

	recovery := gateway.NewRecovery(coord)
	mesh.SetOnConnected(func(ctx context.Context) {
		recovery.DeliverPending(ctx)
	})

	if aprsClient != nil {
		if err := manager.RegisterRunner("APRS", aprsClient, cfg.APRS.RestartDelay,
			supervisor.WithUnitPatterns(aprs.StreamerUnit)); err != nil {
			return err
		}
	}
	if err := manager.RegisterRunner("Meshtastic", mesh, cfg.Meshtastic.RestartDelay,
		supervisor.WithUnitPatterns(meshtastic.ConnectionUnit)); err != nil {
		return err
	}
	if err := manager.RegisterRunner("Telegram", tg, cfg.Telegram.RestartDelay,
		supervisor.WithUnitPatterns(telegram.PollerUnit)); err != nil {
		return err
	}
	if cfg.Web.Enabled {
		web, err := routes.New(routes.Options{
			Listen:  cfg.Web.Listen,
			Stores:  stores,
			Runners: manager,
			Clients: brokerClients,
			Units:   units,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		if err := manager.RegisterRunner("Web", web, cfg.Web.RestartDelay,
			supervisor.WithUnitPatterns(routes.ServerUnit)); err != nil {
			return err
		}
	}
	if len(cfg.Plugins.Enabled) > 0 {
		host, err := plugins.NewHost(plugins.Env{
			Config:   cfg.Plugins,
			Telegram: tg,
			Room:     cfg.NotificationsRoom(),
			Runners:  manager,
			Links:    stores.Links,
			Logger:   logger,
		}, units)
		if err != nil {
			return err
		}
		if err := manager.RegisterRunner("External Plugins", host, cfg.Plugins.RestartDelay); err != nil {
			return err
		}
	}

	manager.StartAll()
	logger.Info("gateway started", "node", cfg.Meshtastic.Self, "room", cfg.Telegram.Room)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Info("shutting down", "signal", sig.String())

	manager.ShutdownAll()
	return nil
}

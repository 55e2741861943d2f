// Package main is the entry point for the merosslink service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"merosslink/internal/config"
	"merosslink/internal/engine"
	"merosslink/internal/profile"
	"merosslink/internal/registry"
	"merosslink/pkg/healthcheck"
	"merosslink/pkg/meross"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The logger isn't up yet.
		panic("failed to load configuration: " + err.Error())
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var logger *zap.Logger
	switch cfg.LogLevel {
	case "debug":
		logger, err = zap.NewDevelopment()
	default:
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting merosslink",
		zap.Int("devices", len(cfg.Devices)),
		zap.Int("profiles", len(cfg.Profiles)))

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		logger.Fatal("failed to create storage directory", zap.Error(err))
	}
	store, err := profile.OpenStore(filepath.Join(cfg.StorageDir, "merosslink.db"))
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(logger)

	onDiscovered := func(deviceID string, payload map[string]any) {
		// Cache the payload so the device can be configured without another
		// round trip; surfacing it further is the operator's business.
		if err := store.SaveDescriptor(deviceID, payload); err != nil {
			logger.Error("failed to cache discovered descriptor",
				zap.String("device_id", deviceID), zap.Error(err))
		}
		desc := meross.NewDescriptor(payload)
		logger.Info("device discovered",
			zap.String("device_id", deviceID),
			zap.String("device_type", desc.Type()),
			zap.String("firmware", desc.FirmwareVersion()))
	}

	for _, pc := range cfg.Profiles {
		p, err := profile.New(profile.Options{
			ID:           pc.ID,
			Key:          pc.Key,
			Token:        pc.Token,
			APIBase:      pc.APIBase,
			AllowPublish: pc.AllowPublish,
			Store:        store,
			Logger:       logger,
			Route:        reg.Route,
			KnownDevice:  reg.KnownDevice,
			OnDiscovered: onDiscovered,
		})
		if err != nil {
			logger.Fatal("failed to build profile",
				zap.String("profile_id", pc.ID), zap.Error(err))
		}
		if err := reg.AddProfile(p); err != nil {
			logger.Fatal("failed to register profile", zap.Error(err))
		}
	}

	// Optional local broker shared by the devices not riding a cloud profile.
	var localConn *profile.Conn
	var localTopic string
	if cfg.Broker != nil {
		appID := meross.GenerateAppID()
		localTopic = meross.TopicResponse("merosslink-" + appID[:8])
		localConn, err = profile.NewConn(profile.ConnOptions{
			Broker:        meross.HostAddress{Host: cfg.Broker.Host, Port: cfg.Broker.Port},
			ClientID:      "merosslink-" + appID[:8],
			Username:      cfg.Broker.Username,
			Password:      cfg.Broker.Password,
			AllowPublish:  cfg.Broker.AllowPublish,
			ResponseTopic: localTopic,
			Logger:        logger,
			Route:         reg.Route,
			KnownDevice:   reg.KnownDevice,
			OnDiscovered:  onDiscovered,
		})
		if err != nil {
			logger.Fatal("failed to build broker connection", zap.Error(err))
		}
	}

	monitor := healthcheck.NewMonitor(logger, cfg.HealthInterval)

	for _, dc := range cfg.Devices {
		descriptor, err := store.LoadDescriptor(dc.ID)
		if err != nil {
			logger.Warn("failed to load cached descriptor",
				zap.String("device_id", dc.ID), zap.Error(err))
		}

		var link engine.ProfileLink
		var owner *profile.Profile
		if dc.ProfileID != "" {
			p, ok := reg.Profile(dc.ProfileID)
			if !ok {
				logger.Fatal("device references unknown profile",
					zap.String("device_id", dc.ID),
					zap.String("profile_id", dc.ProfileID))
			}
			owner = p
			link = p
		}

		replyTopic := ""
		if localConn != nil && dc.ProfileID == "" {
			replyTopic = localTopic
		}

		e, err := engine.New(engine.Options{
			ID:            dc.ID,
			Key:           dc.Key,
			Host:          dc.Host,
			Protocol:      engine.Protocol(dc.Protocol),
			PollingPeriod: dc.PollingPeriod,
			Descriptor:    descriptor,
			ReplyTopic:    replyTopic,
			Logger:        logger,
			Profile:       link,
			Callbacks: engine.Callbacks{
				SaveDescriptor: func(deviceID string, payload map[string]any) {
					if err := store.SaveDescriptor(deviceID, payload); err != nil {
						logger.Error("descriptor save failed",
							zap.String("device_id", deviceID), zap.Error(err))
					}
				},
				AbilitiesChanged: func(deviceID string) {
					logger.Warn("device abilities changed, restart to pick them up",
						zap.String("device_id", deviceID))
				},
				Issue: func(deviceID string, code engine.IssueCode, active bool, detail string) {
					if active {
						logger.Warn("device issue",
							zap.String("device_id", deviceID),
							zap.String("code", string(code)),
							zap.String("detail", detail))
					} else {
						logger.Info("device issue cleared",
							zap.String("device_id", deviceID),
							zap.String("code", string(code)))
					}
				},
			},
		})
		if err != nil {
			logger.Fatal("failed to build device engine",
				zap.String("device_id", dc.ID), zap.Error(err))
		}
		if err := reg.AddDevice(e); err != nil {
			logger.Fatal("failed to register device", zap.Error(err))
		}
		if owner != nil {
			owner.Link(e)
		}
		monitor.Register(e)
	}

	// Wiring done: connect the local broker, start profiles and engines.
	if localConn != nil {
		for _, e := range reg.Devices() {
			dc := deviceConfig(cfg, e.ID())
			if dc != nil && dc.ProfileID == "" && dc.Protocol != config.ProtocolHTTP {
				localConn.Attach(e)
			}
		}
		localConn.ScheduleConnect()
	}
	for _, p := range reg.Profiles() {
		p.Start(ctx)
	}
	for _, e := range reg.Devices() {
		e.Start(ctx)
	}
	go monitor.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("merosslink running, press Ctrl+C to stop")
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	reg.Close()
	if localConn != nil {
		localConn.Close()
	}
	logger.Info("merosslink stopped")
}

func deviceConfig(cfg *config.Config, deviceID string) *config.DeviceConfig {
	for i := range cfg.Devices {
		if cfg.Devices[i].ID == deviceID {
			return &cfg.Devices[i]
		}
	}
	return nil
}

// Package main provides the wildlife camera server entry point
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wildlifecam/camserver/internal/api"
	"github.com/wildlifecam/camserver/internal/camera"
	"github.com/wildlifecam/camserver/internal/config"
	"github.com/wildlifecam/camserver/internal/database"
	"github.com/wildlifecam/camserver/internal/device"
	"github.com/wildlifecam/camserver/internal/events"
	"github.com/wildlifecam/camserver/internal/fleet"
	"github.com/wildlifecam/camserver/internal/logging"
	"github.com/wildlifecam/camserver/internal/motion"
)

const defaultConfigPath = "/etc/camserver/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// A missing config file is not fatal; the defaults describe a
		// standard single-camera install.
		cfg = config.Default()
		cfg.SetPath(*configPath)
	}

	logging.Setup(os.Stderr, cfg.Logging.Format, cfg.Logging.Level)

	slog.Info("Starting camera server",
		"config", *configPath,
		"device", cfg.Camera.Device,
		"media_dir", cfg.Camera.MediaDir,
	)
	if err != nil {
		slog.Warn("Config file not loaded, using defaults", "error", err)
	} else {
		if err := cfg.Watch(); err != nil {
			slog.Warn("Config watch unavailable", "error", err)
		}
		cfg.OnChange(func(c *config.Config) {
			slog.Info("Configuration changed; camera settings apply on next restart")
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open database and run migrations
	db, err := database.Open(&database.Config{Path: cfg.Database.Path})
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Embedded NATS event bus
	bus, err := events.NewBus(events.Config{
		Host: cfg.Events.Host,
		Port: cfg.Events.Port,
	}, slog.Default())
	if err != nil {
		slog.Error("Failed to start event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Stop()

	// Camera pipeline
	dev := device.NewFFmpegDevice(cfg.Camera.Device)
	manager := camera.NewManager(dev, camera.Config{
		MediaDir: cfg.Camera.MediaDir,
		Profile: device.Profile{
			Width:     cfg.Camera.Width,
			Height:    cfg.Camera.Height,
			Framerate: cfg.Camera.Framerate,
		},
		StreamInterval:     cfg.Camera.StreamInterval(),
		DefaultClipSeconds: cfg.Recording.DefaultClipSeconds,
		MotionInterval:     cfg.Motion.Interval(),
		MotionCooldown:     cfg.Motion.Cooldown(),
		MotionClipSeconds:  cfg.Motion.ClipSeconds,
		Detector: motion.Config{
			DiffThreshold:    uint8(cfg.Motion.DiffThreshold),
			MinArea:          cfg.Motion.MinArea,
			DilateIterations: cfg.Motion.DilateIterations,
			BlurRadius:       cfg.Motion.BlurRadius,
		},
	}, bus)

	if err := manager.Start(ctx); err != nil {
		slog.Error("Failed to start camera manager", "error", err)
		os.Exit(1)
	}
	defer manager.Stop()

	if cfg.Motion.EnabledOnBoot {
		manager.SetMotion(true)
	}

	// Persist captured media as events come off the bus
	if err := catalogMedia(bus, db); err != nil {
		slog.Error("Failed to subscribe media catalog", "error", err)
		os.Exit(1)
	}

	// Fleet management
	var fleetRunner *fleet.Runner
	if len(cfg.Fleet.Cameras) > 0 {
		roster := make([]fleet.Camera, 0, len(cfg.Fleet.Cameras))
		for _, cam := range cfg.Fleet.Cameras {
			roster = append(roster, fleet.Camera{Name: cam.Name, Host: cam.Host})
		}
		fleetRunner = fleet.NewRunner(fleet.Config{
			Cameras:      roster,
			Service:      cfg.Fleet.Service,
			SSHKey:       cfg.Fleet.SSHKey,
			Timeout:      cfg.Fleet.SSHTimeout(),
			UpdateScript: cfg.Fleet.UpdateScript,
		}, db, bus)
	}

	// WebSocket push: relay every camera and fleet event to connected clients
	hub := api.NewHub()
	go hub.Run()
	if err := hub.RelayBus(bus, events.SubjectCameraAll, events.SubjectFleetAction); err != nil {
		slog.Error("Failed to relay event bus to websocket hub", "error", err)
		os.Exit(1)
	}

	// HTTP server
	var fleetCtl api.FleetController
	if fleetRunner != nil {
		fleetCtl = fleetRunner
	}
	server := api.NewServer(api.Config{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		DefaultClipSeconds: cfg.Recording.DefaultClipSeconds,
	}, manager, fleetCtl, db, hub)

	go func() {
		if err := server.Start(); err != nil {
			slog.Error("Server error", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
}

// catalogMedia records finished stills and clips in the database as their
// completion events arrive.
func catalogMedia(bus *events.Bus, db *database.DB) error {
	if err := bus.Subscribe(events.SubjectStillCaptured, func(msg *nats.Msg) {
		var ev events.StillEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("Bad still event payload", "error", err)
			return
		}
		insertMedia(db, &database.MediaRecord{
			Kind:    "still",
			Path:    ev.Path,
			Trigger: camera.TriggerManual,
		})
	}); err != nil {
		return err
	}

	return bus.Subscribe(events.SubjectRecordingFinished, func(msg *nats.Msg) {
		var ev events.ClipEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("Bad clip event payload", "error", err)
			return
		}
		if ev.Error != "" {
			return
		}
		insertMedia(db, &database.MediaRecord{
			Kind:            "clip",
			Path:            ev.Path,
			Trigger:         ev.Trigger,
			DurationSeconds: ev.DurationSeconds,
		})
	})
}

func insertMedia(db *database.DB, rec *database.MediaRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.InsertMedia(ctx, rec); err != nil {
		slog.Warn("Failed to catalog media", "path", rec.Path, "error", err)
	}
}

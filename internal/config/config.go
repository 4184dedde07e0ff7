// Package config provides configuration management for the camera server
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config represents the main camera server configuration
type Config struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Recording RecordingConfig `yaml:"recording"`
	Motion    MotionConfig    `yaml:"motion"`
	Events    EventsConfig    `yaml:"events"`
	Fleet     FleetConfig     `yaml:"fleet"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CameraConfig holds the capture device and pipeline settings
type CameraConfig struct {
	// Device is the V4L2 device path
	Device string `yaml:"device"`
	// Width and Height are the single pipeline resolution
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	// Framerate is the pipeline framerate in frames per second
	Framerate int `yaml:"framerate"`
	// StreamIntervalMs paces each live-stream consumer
	StreamIntervalMs int `yaml:"stream_interval_ms"`
	// MediaDir is where stills and clips are written
	MediaDir string `yaml:"media_dir"`
}

// RecordingConfig holds clip recording settings
type RecordingConfig struct {
	// DefaultClipSeconds is used when a clip request carries no duration
	DefaultClipSeconds int `yaml:"default_clip_seconds"`
}

// MotionConfig holds motion detection settings
type MotionConfig struct {
	// EnabledOnBoot starts the detection worker at startup
	EnabledOnBoot bool `yaml:"enabled_on_boot"`
	// IntervalMs paces the detection worker
	IntervalMs int `yaml:"interval_ms"`
	// CooldownSeconds is the minimum time between motion-triggered clips
	CooldownSeconds int `yaml:"cooldown_seconds"`
	// ClipSeconds is the length of motion-triggered clips
	ClipSeconds int `yaml:"clip_seconds"`
	// DiffThreshold is the per-pixel change threshold (0-255)
	DiffThreshold int `yaml:"diff_threshold"`
	// MinArea is the minimum changed-region area in pixels
	MinArea int `yaml:"min_area"`
	// DilateIterations is how many dilation passes smooth the change mask
	DilateIterations int `yaml:"dilate_iterations"`
	// BlurRadius is the noise-suppression blur radius
	BlurRadius int `yaml:"blur_radius"`
}

// EventsConfig holds embedded event bus settings
type EventsConfig struct {
	Host string `yaml:"host"`
	// Port 0 picks a random free port
	Port int `yaml:"port"`
}

// FleetConfig holds remote camera fleet management settings
type FleetConfig struct {
	// Cameras is the roster of remote camera hosts
	Cameras []FleetCamera `yaml:"cameras"`
	// Service is the systemd unit restarted on each camera
	Service string `yaml:"service"`
	// SSHKey is an optional identity file passed to ssh
	SSHKey string `yaml:"ssh_key,omitempty"`
	// SSHTimeoutSeconds bounds each remote command
	SSHTimeoutSeconds int `yaml:"ssh_timeout_seconds"`
	// UpdateScript is the remote path run by the update action
	UpdateScript string `yaml:"update_script,omitempty"`
}

// FleetCamera identifies one remote camera host
type FleetCamera struct {
	Name string `yaml:"name" json:"name"`
	Host string `yaml:"host" json:"host"` // user@host form accepted
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// StreamInterval returns the live-stream pacing as a duration
func (c CameraConfig) StreamInterval() time.Duration {
	return time.Duration(c.StreamIntervalMs) * time.Millisecond
}

// Interval returns the detection worker pacing as a duration
func (m MotionConfig) Interval() time.Duration {
	return time.Duration(m.IntervalMs) * time.Millisecond
}

// Cooldown returns the trigger cooldown as a duration
func (m MotionConfig) Cooldown() time.Duration {
	return time.Duration(m.CooldownSeconds) * time.Second
}

// SSHTimeout returns the remote command timeout as a duration
func (f FleetConfig) SSHTimeout() time.Duration {
	return time.Duration(f.SSHTimeoutSeconds) * time.Second
}

// Default returns a configuration with every field at its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.setDefaults()

	return &cfg, nil
}

// Save saves the configuration to a YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	// Create a copy for saving (without mutex)
	cfgCopy := &Config{
		Version:   c.Version,
		Server:    c.Server,
		Camera:    c.Camera,
		Recording: c.Recording,
		Motion:    c.Motion,
		Events:    c.Events,
		Fleet:     c.Fleet,
		Database:  c.Database,
		Logging:   c.Logging,
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Camera Server Configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching for configuration file changes
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Version = newCfg.Version
	c.Server = newCfg.Server
	c.Camera = newCfg.Camera
	c.Recording = newCfg.Recording
	c.Motion = newCfg.Motion
	c.Events = newCfg.Events
	c.Fleet = newCfg.Fleet
	c.Database = newCfg.Database
	c.Logging = newCfg.Logging
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// GetFleetCamera returns a fleet camera by name
func (c *Config) GetFleetCamera(name string) *FleetCamera {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Fleet.Cameras {
		if c.Fleet.Cameras[i].Name == name {
			return &c.Fleet.Cameras[i]
		}
	}
	return nil
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Camera.Device == "" {
		c.Camera.Device = "/dev/video0"
	}
	if c.Camera.Width == 0 {
		c.Camera.Width = 1280
	}
	if c.Camera.Height == 0 {
		c.Camera.Height = 720
	}
	if c.Camera.Framerate == 0 {
		c.Camera.Framerate = 30
	}
	if c.Camera.StreamIntervalMs == 0 {
		c.Camera.StreamIntervalMs = 33
	}
	if c.Camera.MediaDir == "" {
		c.Camera.MediaDir = "/var/lib/camserver/media"
	}
	if c.Recording.DefaultClipSeconds == 0 {
		c.Recording.DefaultClipSeconds = 30
	}
	if c.Motion.IntervalMs == 0 {
		c.Motion.IntervalMs = 100
	}
	if c.Motion.CooldownSeconds == 0 {
		c.Motion.CooldownSeconds = 40
	}
	if c.Motion.ClipSeconds == 0 {
		c.Motion.ClipSeconds = 30
	}
	if c.Motion.DiffThreshold == 0 {
		c.Motion.DiffThreshold = 25
	}
	if c.Motion.MinArea == 0 {
		c.Motion.MinArea = 1500
	}
	if c.Motion.DilateIterations == 0 {
		c.Motion.DilateIterations = 2
	}
	if c.Motion.BlurRadius == 0 {
		c.Motion.BlurRadius = 10
	}
	if c.Events.Host == "" {
		c.Events.Host = "127.0.0.1"
	}
	if c.Fleet.Service == "" {
		c.Fleet.Service = "camserver"
	}
	if c.Fleet.SSHTimeoutSeconds == 0 {
		c.Fleet.SSHTimeoutSeconds = 30
	}
	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/camserver/camserver.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

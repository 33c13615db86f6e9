// Package config loads tunerd's configuration from environment variables
// and an optional YAML file (ENV > file > defaults) and publishes an
// immutable Snapshot that the rest of the process reads without locking.
//
// config is also the concrete implementation of the spec's
// SettingsService collaborator: the Snapshot value Loader.Load returns
// is the "SettingsService.snapshot()" contract handed to handlers at
// construction time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CrashThresholds are the activity-cadence thresholds the Crash Detector
// (C4) uses. They are configuration, not hardcoded, per spec §9.
type CrashThresholds struct {
	HealthyPollWindow       time.Duration `yaml:"healthyPollWindow"`
	HealthyByteWindow       time.Duration `yaml:"healthyByteWindow"`
	PossibleCrashByteWindow time.Duration `yaml:"possibleCrashByteWindow"`
	AndroidTVPollWindow     time.Duration `yaml:"androidTVPollWindow"`
	ClientTimeoutWindow     time.Duration `yaml:"clientTimeoutWindow"`
	ConfirmedCrashWindow    time.Duration `yaml:"confirmedCrashWindow"`
	ConfirmedTimeoutWindow  time.Duration `yaml:"confirmedTimeoutWindow"`
}

// DefaultCrashThresholds matches the values given in spec §4.4.
func DefaultCrashThresholds() CrashThresholds {
	return CrashThresholds{
		HealthyPollWindow:       2 * time.Second,
		HealthyByteWindow:       5 * time.Second,
		PossibleCrashByteWindow: 15 * time.Second,
		AndroidTVPollWindow:     10 * time.Second,
		ClientTimeoutWindow:     30 * time.Second,
		ConfirmedCrashWindow:    60 * time.Second,
		ConfirmedTimeoutWindow:  15 * time.Second,
	}
}

// Features gates behaviors the spec left as open questions.
type Features struct {
	RecoveryConsumerFallback bool `yaml:"recoveryConsumerFallback"`
}

// FeaturesFile mirrors Features but with pointer fields so applyFile can
// tell "omitted from the YAML file" apart from "explicitly set to the
// zero value", the same distinction the scalar fields above get for free
// from their nonzero-string/nonzero-int checks.
type FeaturesFile struct {
	RecoveryConsumerFallback *bool `yaml:"recoveryConsumerFallback"`
}

// FileConfig is the YAML-file-shaped configuration (optional; env vars
// always take precedence over equivalent fields here).
type FileConfig struct {
	ListenAddr          string          `yaml:"listenAddr"`
	DiscoveryPort       int             `yaml:"discoveryPort"`
	AdvertisedHost      string          `yaml:"advertisedHost"`
	DeviceID            string          `yaml:"deviceId"`
	FriendlyName        string          `yaml:"friendlyName"`
	TunerCount          int             `yaml:"tunerCount"`
	MaxGlobalSessions   int             `yaml:"maxGlobalSessions"`
	MaxPerChannel       int             `yaml:"maxPerChannel"`
	StreamIdleTimeout   time.Duration   `yaml:"streamIdleTimeout"`
	ConsumerIdleWindow  time.Duration   `yaml:"consumerIdleWindow"`
	SessionHardAge      time.Duration   `yaml:"sessionHardAge"`
	DataDir             string          `yaml:"dataDir"`
	FFmpegPath          string          `yaml:"ffmpegPath"`
	CrashThresholds     CrashThresholds `yaml:"crashThresholds"`
	Features            FeaturesFile    `yaml:"features"`
}

// Snapshot is the immutable configuration value object handlers read.
type Snapshot struct {
	ListenAddr         string
	DiscoveryPort      int
	AdvertisedHost     string
	DeviceID           string
	FriendlyName       string
	TunerCount         int
	MaxGlobalSessions  int
	MaxPerChannel      int
	StreamIdleTimeout  time.Duration
	ConsumerIdleWindow time.Duration
	SessionHardAge     time.Duration
	DataDir            string
	FFmpegPath         string
	CrashThresholds    CrashThresholds
	Features           Features
}

func defaults() Snapshot {
	return Snapshot{
		ListenAddr:         ":3000",
		DiscoveryPort:      1900,
		AdvertisedHost:     "",
		DeviceID:           "TUNERD0001",
		FriendlyName:       "tunerd",
		TunerCount:         4,
		MaxGlobalSessions:  4,
		MaxPerChannel:      2,
		StreamIdleTimeout:  30 * time.Second,
		ConsumerIdleWindow: 2 * time.Minute,
		SessionHardAge:     1 * time.Hour,
		DataDir:            "/var/lib/tunerd",
		FFmpegPath:         "ffmpeg",
		CrashThresholds:    DefaultCrashThresholds(),
		Features:           Features{RecoveryConsumerFallback: true},
	}
}

// Loader reads a FileConfig from an optional YAML path and environment
// variables, in ENV > file > defaults precedence, and produces a Snapshot.
type Loader struct {
	ConfigPath string
}

// NewLoader constructs a Loader for the given (possibly empty) config path.
func NewLoader(path string) *Loader {
	return &Loader{ConfigPath: path}
}

// Load resolves the final Snapshot.
func (l *Loader) Load() (Snapshot, error) {
	snap := defaults()

	if l.ConfigPath != "" {
		data, err := os.ReadFile(l.ConfigPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Snapshot{}, fmt.Errorf("config: read %s: %w", l.ConfigPath, err)
			}
		} else {
			var fc FileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return Snapshot{}, fmt.Errorf("config: parse %s: %w", l.ConfigPath, err)
			}
			applyFile(&snap, fc)
		}
	}

	applyEnv(&snap)
	return snap, nil
}

func applyFile(s *Snapshot, fc FileConfig) {
	if fc.ListenAddr != "" {
		s.ListenAddr = fc.ListenAddr
	}
	if fc.DiscoveryPort != 0 {
		s.DiscoveryPort = fc.DiscoveryPort
	}
	if fc.AdvertisedHost != "" {
		s.AdvertisedHost = fc.AdvertisedHost
	}
	if fc.DeviceID != "" {
		s.DeviceID = fc.DeviceID
	}
	if fc.FriendlyName != "" {
		s.FriendlyName = fc.FriendlyName
	}
	if fc.TunerCount != 0 {
		s.TunerCount = fc.TunerCount
	}
	if fc.MaxGlobalSessions != 0 {
		s.MaxGlobalSessions = fc.MaxGlobalSessions
	}
	if fc.MaxPerChannel != 0 {
		s.MaxPerChannel = fc.MaxPerChannel
	}
	if fc.StreamIdleTimeout != 0 {
		s.StreamIdleTimeout = fc.StreamIdleTimeout
	}
	if fc.ConsumerIdleWindow != 0 {
		s.ConsumerIdleWindow = fc.ConsumerIdleWindow
	}
	if fc.SessionHardAge != 0 {
		s.SessionHardAge = fc.SessionHardAge
	}
	if fc.DataDir != "" {
		s.DataDir = fc.DataDir
	}
	if fc.FFmpegPath != "" {
		s.FFmpegPath = fc.FFmpegPath
	}
	var zeroThresholds CrashThresholds
	if fc.CrashThresholds != zeroThresholds {
		s.CrashThresholds = fc.CrashThresholds
	}
	if fc.Features.RecoveryConsumerFallback != nil {
		s.Features.RecoveryConsumerFallback = *fc.Features.RecoveryConsumerFallback
	}
}

func applyEnv(s *Snapshot) {
	if v := os.Getenv("TUNERD_LISTEN_ADDR"); v != "" {
		s.ListenAddr = v
	}
	if v := envInt("TUNERD_DISCOVERY_PORT"); v != 0 {
		s.DiscoveryPort = v
	}
	if v := os.Getenv("TUNERD_ADVERTISED_HOST"); v != "" {
		s.AdvertisedHost = v
	}
	if v := os.Getenv("TUNERD_DEVICE_ID"); v != "" {
		s.DeviceID = v
	}
	if v := os.Getenv("TUNERD_FRIENDLY_NAME"); v != "" {
		s.FriendlyName = v
	}
	if v := envInt("TUNERD_TUNER_COUNT"); v != 0 {
		s.TunerCount = v
	}
	if v := envInt("TUNERD_MAX_GLOBAL_SESSIONS"); v != 0 {
		s.MaxGlobalSessions = v
	}
	if v := envInt("TUNERD_MAX_PER_CHANNEL"); v != 0 {
		s.MaxPerChannel = v
	}
	if v := envDuration("TUNERD_STREAM_IDLE_TIMEOUT"); v != 0 {
		s.StreamIdleTimeout = v
	}
	if v := envDuration("TUNERD_CONSUMER_IDLE_WINDOW"); v != 0 {
		s.ConsumerIdleWindow = v
	}
	if v := envDuration("TUNERD_SESSION_HARD_AGE"); v != 0 {
		s.SessionHardAge = v
	}
	if v := os.Getenv("TUNERD_DATA_DIR"); v != "" {
		s.DataDir = v
	}
	if v := os.Getenv("TUNERD_FFMPEG_PATH"); v != "" {
		s.FFmpegPath = v
	}
	if v := os.Getenv("TUNERD_FEATURE_RECOVERY_CONSUMER"); v != "" {
		s.Features.RecoveryConsumerFallback = envBoolValue(v, s.Features.RecoveryConsumerFallback)
	}
}

func envInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func envBoolValue(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

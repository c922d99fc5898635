package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tonipetergugic/immusic-sub001/internal/probe"
	"github.com/tonipetergugic/immusic-sub001/internal/review"
	"github.com/tonipetergugic/immusic-sub001/internal/rules"
)

const (
	envPrefix                 = "IMMUSIC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "immusic-qc.db"
	defaultLogLevel           = "info"
	defaultTokenTTLMinutes    = 60
	defaultIngestRoot         = "data/ingest"
	defaultCatalogRoot        = "data/catalog"
	defaultFFmpegPath         = "ffmpeg"
	defaultFFprobePath        = "ffprobe"
	defaultLeaseMinutes       = 10
	defaultMaxAttempts        = 5
	defaultSilenceThresholdDB = -60
	defaultCatalogBitrateKbps = 320
)

// AppConfig captures runtime configuration for the QC service.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SigningSecret      string
	TokenTTL           time.Duration
	IngestRoot         string
	CatalogRoot        string
	FFmpegPath         string
	FFprobePath        string
	TempDir            string
	LeaseDuration      time.Duration
	MaxAttempts        int
	SilenceThresholdDB float64
	Gates              review.GateConfig
	Policy             rules.Policy
	CodecPresets       []probe.CodecPreset
	CatalogBitrateKbps int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	gates := review.DefaultGates()
	policy := rules.DefaultPolicy()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("storage.ingest_root", defaultIngestRoot)
	configViper.SetDefault("storage.catalog_root", defaultCatalogRoot)
	configViper.SetDefault("toolchain.ffmpeg", defaultFFmpegPath)
	configViper.SetDefault("toolchain.ffprobe", defaultFFprobePath)
	configViper.SetDefault("worker.temp_dir", "")
	configViper.SetDefault("worker.lease_minutes", defaultLeaseMinutes)
	configViper.SetDefault("worker.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("gates.max_duration_seconds", gates.MaxDurationSeconds)
	configViper.SetDefault("gates.max_silence_run_seconds", gates.MaxSilenceRunSeconds)
	configViper.SetDefault("gates.max_silence_ratio", gates.MaxSilenceRatio)
	configViper.SetDefault("gates.max_dc_offset", gates.MaxDCOffset)
	configViper.SetDefault("gates.silence_threshold_db", defaultSilenceThresholdDB)
	configViper.SetDefault("policy.true_peak_max_dbtp", policy.TruePeakMaxDBTP)
	configViper.SetDefault("policy.max_clipped_samples", policy.MaxClippedSamples)
	configViper.SetDefault("policy.hot_lufs", policy.HotLUFS)
	configViper.SetDefault("policy.low_lra_lufs", policy.LowRangeLUFS)
	configViper.SetDefault("policy.low_lra_min_lu", policy.LowRangeMinLU)
	configViper.SetDefault("codec.presets", []string{string(probe.CodecMP3128), string(probe.CodecAAC128)})
	configViper.SetDefault("catalog.bitrate_kbps", defaultCatalogBitrateKbps)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	presets, err := parsePresets(configViper.GetStringSlice("codec.presets"))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		IngestRoot:         configViper.GetString("storage.ingest_root"),
		CatalogRoot:        configViper.GetString("storage.catalog_root"),
		FFmpegPath:         configViper.GetString("toolchain.ffmpeg"),
		FFprobePath:        configViper.GetString("toolchain.ffprobe"),
		TempDir:            configViper.GetString("worker.temp_dir"),
		LeaseDuration:      time.Duration(configViper.GetInt("worker.lease_minutes")) * time.Minute,
		MaxAttempts:        configViper.GetInt("worker.max_attempts"),
		SilenceThresholdDB: configViper.GetFloat64("gates.silence_threshold_db"),
		Gates: review.GateConfig{
			MaxDurationSeconds:   configViper.GetFloat64("gates.max_duration_seconds"),
			MaxSilenceRunSeconds: configViper.GetFloat64("gates.max_silence_run_seconds"),
			MaxSilenceRatio:      configViper.GetFloat64("gates.max_silence_ratio"),
			MaxDCOffset:          configViper.GetFloat64("gates.max_dc_offset"),
		},
		Policy: rules.Policy{
			TruePeakMaxDBTP:   configViper.GetFloat64("policy.true_peak_max_dbtp"),
			MaxClippedSamples: configViper.GetFloat64("policy.max_clipped_samples"),
			HotLUFS:           configViper.GetFloat64("policy.hot_lufs"),
			LowRangeLUFS:      configViper.GetFloat64("policy.low_lra_lufs"),
			LowRangeMinLU:     configViper.GetFloat64("policy.low_lra_min_lu"),
		},
		CodecPresets:       presets,
		CatalogBitrateKbps: configViper.GetInt("catalog.bitrate_kbps"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func parsePresets(raw []string) ([]probe.CodecPreset, error) {
	presets := make([]probe.CodecPreset, 0, len(raw))
	for _, entry := range raw {
		// Env values arrive as one comma separated string.
		for _, name := range strings.Split(entry, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			preset, err := probe.ParseCodecPreset(name)
			if err != nil {
				return nil, fmt.Errorf("codec.presets: %w", err)
			}
			presets = append(presets, preset)
		}
	}
	return presets, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.IngestRoot) == "" || strings.TrimSpace(c.CatalogRoot) == "" {
		return fmt.Errorf("storage.ingest_root and storage.catalog_root are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("worker.lease_minutes must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be positive")
	}
	if c.Gates.MaxDurationSeconds <= 0 || c.Gates.MaxSilenceRunSeconds <= 0 {
		return fmt.Errorf("gates.max_duration_seconds and gates.max_silence_run_seconds must be positive")
	}
	if c.Gates.MaxSilenceRatio <= 0 || c.Gates.MaxSilenceRatio > 1 {
		return fmt.Errorf("gates.max_silence_ratio must be in (0, 1]")
	}
	if c.SilenceThresholdDB >= 0 {
		return fmt.Errorf("gates.silence_threshold_db must be negative")
	}
	if c.CatalogBitrateKbps <= 0 {
		return fmt.Errorf("catalog.bitrate_kbps must be positive")
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}

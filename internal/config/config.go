// Package config loads the StorySign control-plane configuration using
// Viper: defaults, then ~/.storysign/config.toml, then the nearest
// storysign.toml found walking up from the working directory, then
// STORYSIGN_-prefixed environment variables, highest precedence last.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/prats-2311/story-sign-sub001/internal/apperrors"
)

// Config is the root configuration tree for the server binary.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Video     VideoConfig     `mapstructure:"video"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Gesture   GestureConfig   `mapstructure:"gesture"`
	Pool      PoolConfig      `mapstructure:"pool"`
	LLM       LLMConfig       `mapstructure:"llm"`
}

// ServerConfig configures network listeners and global logging.
type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	LogLevel       string `mapstructure:"log_level"`
	LogJSON        bool   `mapstructure:"log_json"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// VideoConfig configures the default quality profile knobs.
type VideoConfig struct {
	DefaultPreset string `mapstructure:"default_preset"`
}

// ExtractorConfig configures the landmark extractor operator.
type ExtractorConfig struct {
	DefaultComplexity  int     `mapstructure:"default_complexity"`
	DetectionConfidence float64 `mapstructure:"detection_confidence"`
	TrackingConfidence  float64 `mapstructure:"tracking_confidence"`
}

// GestureConfig configures the per-client gesture state machine.
type GestureConfig struct {
	Enabled                bool    `mapstructure:"enabled"`
	VelocityThreshold      float64 `mapstructure:"velocity_threshold"`
	PauseDurationMS        int     `mapstructure:"pause_duration_ms"`
	MinGestureDurationMS   int     `mapstructure:"min_gesture_duration_ms"`
	LandmarkBufferSize     int     `mapstructure:"landmark_buffer_size"`
	SmoothingWindow        int     `mapstructure:"smoothing_window"`
}

// PoolConfig configures the connection pool (C8) and its message queues.
type PoolConfig struct {
	MaxConnections      int `mapstructure:"max_connections"`
	MaxQueueSize        int `mapstructure:"max_queue_size"`
	HealthCheckInterval int `mapstructure:"health_check_interval_seconds"`
	BatchSize           int `mapstructure:"batch_size"`
	BatchTimeoutMS      int `mapstructure:"batch_timeout_ms"`
	ShutdownGraceSec    int `mapstructure:"shutdown_grace_seconds"`
}

// LLMConfig configures the external story/analysis LLM client.
type LLMConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	StoryModel    string `mapstructure:"story_model"`
	AnalysisModel string `mapstructure:"analysis_model"`
	TimeoutSec    int    `mapstructure:"timeout_seconds"`
	MaxRetries    int    `mapstructure:"max_retries"`
}

var (
	mu     sync.Mutex
	cached *Config
)

// Load reads configuration from defaults, file and environment, caching
// the result for subsequent calls. Use Reset in tests to force a reload.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	v := newViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(err, "failed to unmarshal configuration")
	}

	cached = &cfg
	return cached, nil
}

// Reset clears the cached configuration. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cached = nil
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("STORYSIGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	mergeConfigFiles(v)

	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_json", false)
	v.SetDefault("server.max_connections", 200)

	v.SetDefault("video.default_preset", "medium")

	v.SetDefault("extractor.default_complexity", 1)
	v.SetDefault("extractor.detection_confidence", 0.5)
	v.SetDefault("extractor.tracking_confidence", 0.5)

	v.SetDefault("gesture.enabled", true)
	v.SetDefault("gesture.velocity_threshold", 0.02)
	v.SetDefault("gesture.pause_duration_ms", 1000)
	v.SetDefault("gesture.min_gesture_duration_ms", 500)
	v.SetDefault("gesture.landmark_buffer_size", 150)
	v.SetDefault("gesture.smoothing_window", 5)

	v.SetDefault("pool.max_connections", 200)
	v.SetDefault("pool.max_queue_size", 100)
	v.SetDefault("pool.health_check_interval_seconds", 30)
	v.SetDefault("pool.batch_size", 10)
	v.SetDefault("pool.batch_timeout_ms", 10)
	v.SetDefault("pool.shutdown_grace_seconds", 30)

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.story_model", "gpt-4o-mini")
	v.SetDefault("llm.analysis_model", "gpt-4o-mini")
	v.SetDefault("llm.timeout_seconds", 30)
	v.SetDefault("llm.max_retries", 3)
}

// mergeConfigFiles layers storysign.toml (project-local, walked up from
// cwd) over the user's ~/.storysign/config.toml, in ascending precedence
// — later merges win. Env vars (bound above) always win over both.
func mergeConfigFiles(v *viper.Viper) {
	v.SetConfigType("toml")

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ".storysign", "config.toml")
		if fileExists(userPath) {
			mergeFile(v, userPath)
		}
	}

	if projectPath := findProjectConfig(); projectPath != "" {
		mergeFile(v, projectPath)
	}
}

func mergeFile(v *viper.Viper, path string) {
	v.SetConfigFile(path)
	_ = v.MergeInConfig()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// findProjectConfig walks up from the working directory looking for
// storysign.toml, returning the first match or "" if none exists.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, "storysign.toml")
		if fileExists(candidate) {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

package config

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/prats-2311/story-sign-sub001/internal/apperrors"
)

// DefaultFilePermissions matches the teacher's am/load.go convention for
// config files it writes.
const DefaultFilePermissions = 0o644

// WriteDefault scaffolds a starting point at path for an
// operator to edit, merging onto whatever is already there rather than
// clobbering it. Viper can merge TOML but has no matching encoder of its
// own (WriteConfigAs round-trips only what it already knows about); this
// uses BurntSushi/toml directly, the way the teacher's writePluginConfigFile
// reads an existing file into a map, applies updates and re-encodes it.
func WriteDefault(path string) error {
	existing := make(map[string]interface{})
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &existing); err != nil {
			return apperrors.WithCode(apperrors.Wrapf(err, "failed to parse existing config at %s", path), apperrors.CodeValidation)
		}
	} else if !os.IsNotExist(err) {
		return apperrors.Wrapf(err, "failed to read config at %s", path)
	}

	applyDefault(existing, "server.host", "0.0.0.0")
	applyDefault(existing, "server.port", int64(8000))
	applyDefault(existing, "server.log_level", "info")
	applyDefault(existing, "server.log_json", false)
	applyDefault(existing, "server.max_connections", int64(200))
	applyDefault(existing, "video.default_preset", "medium")
	applyDefault(existing, "extractor.default_complexity", int64(1))
	applyDefault(existing, "extractor.detection_confidence", 0.5)
	applyDefault(existing, "extractor.tracking_confidence", 0.5)
	applyDefault(existing, "gesture.enabled", true)
	applyDefault(existing, "gesture.velocity_threshold", 0.02)
	applyDefault(existing, "gesture.pause_duration_ms", int64(1000))
	applyDefault(existing, "gesture.min_gesture_duration_ms", int64(500))
	applyDefault(existing, "gesture.landmark_buffer_size", int64(150))
	applyDefault(existing, "gesture.smoothing_window", int64(5))
	applyDefault(existing, "pool.max_connections", int64(200))
	applyDefault(existing, "pool.max_queue_size", int64(100))
	applyDefault(existing, "pool.health_check_interval_seconds", int64(30))
	applyDefault(existing, "pool.batch_size", int64(10))
	applyDefault(existing, "pool.batch_timeout_ms", int64(10))
	applyDefault(existing, "pool.shutdown_grace_seconds", int64(30))
	applyDefault(existing, "llm.base_url", "https://api.openai.com/v1")
	applyDefault(existing, "llm.story_model", "gpt-4o-mini")
	applyDefault(existing, "llm.analysis_model", "gpt-4o-mini")
	applyDefault(existing, "llm.timeout_seconds", int64(30))
	applyDefault(existing, "llm.max_retries", int64(3))

	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(existing); err != nil {
		return apperrors.Wrap(err, "failed to encode config as TOML")
	}

	if err := os.WriteFile(path, []byte(buf.String()), DefaultFilePermissions); err != nil {
		return apperrors.Wrapf(err, "failed to write config to %s", path)
	}
	return nil
}

// applyDefault sets table[section][key] = value only if the dotted path
// isn't already present, so re-running against an edited file never
// overwrites an operator's change.
func applyDefault(root map[string]interface{}, dotted string, value interface{}) {
	parts := strings.SplitN(dotted, ".", 2)
	section, key := parts[0], parts[1]

	table, ok := root[section].(map[string]interface{})
	if !ok {
		table = make(map[string]interface{})
		root[section] = table
	}
	if _, exists := table[key]; !exists {
		table[key] = value
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ReconciliationSettings tunes candidate scoring and adjustment guard rails.
//
// Resolution order: built-in defaults, then the YAML file named by
// RECONCILIATION_CONFIG_FILE, then individual env overrides.
type ReconciliationSettings struct {
	MatchThreshold              float64 `yaml:"match_threshold"`
	AmountTolerance             float64 `yaml:"amount_tolerance"`
	DateWindowDays              int     `yaml:"date_window_days"`
	BaselineExceedanceThreshold float64 `yaml:"baseline_exceedance_threshold"`
}

func DefaultReconciliationSettings() ReconciliationSettings {
	return ReconciliationSettings{
		MatchThreshold:              0.70,
		AmountTolerance:             0.01,
		DateWindowDays:              90,
		BaselineExceedanceThreshold: 0.10,
	}
}

var (
	settingsOnce sync.Once
	settings     ReconciliationSettings
)

// GetReconciliationSettings loads settings once per process.
// A broken config file is logged and ignored.
func GetReconciliationSettings() ReconciliationSettings {
	settingsOnce.Do(func() {
		s, err := LoadReconciliationSettings(os.Getenv("RECONCILIATION_CONFIG_FILE"))
		if err != nil {
			LogError(GetLogger(), "config", "GetReconciliationSettings", "LoadReconciliationSettings", nil, err)
		}
		settings = s
	})
	return settings
}

// LoadReconciliationSettings reads path (optional) and applies env overrides.
// On error the returned settings still hold usable values.
func LoadReconciliationSettings(path string) (ReconciliationSettings, error) {
	s := DefaultReconciliationSettings()
	var loadErr error
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			loadErr = fmt.Errorf("read reconciliation config: %w", err)
		} else if err := parseSettingsYAML(data, &s); err != nil {
			loadErr = err
		}
	}
	applySettingsEnv(&s)
	return s, loadErr
}

func parseSettingsYAML(data []byte, s *ReconciliationSettings) error {
	fromFile := *s
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("parse reconciliation config: %w", err)
	}
	if fromFile.MatchThreshold < 0 || fromFile.MatchThreshold > 1 {
		return fmt.Errorf("match_threshold must be within 0..1, got %v", fromFile.MatchThreshold)
	}
	if fromFile.AmountTolerance < 0 {
		return fmt.Errorf("amount_tolerance must not be negative, got %v", fromFile.AmountTolerance)
	}
	*s = fromFile
	return nil
}

func applySettingsEnv(s *ReconciliationSettings) {
	if v, ok := floatFromEnv("MATCH_CONFIDENCE_THRESHOLD"); ok && v >= 0 && v <= 1 {
		s.MatchThreshold = v
	}
	if v, ok := floatFromEnv("MATCH_AMOUNT_TOLERANCE"); ok && v >= 0 {
		s.AmountTolerance = v
	}
	if n := intFromEnv("MATCH_DATE_WINDOW_DAYS", 0); n > 0 {
		s.DateWindowDays = n
	}
	if v, ok := floatFromEnv("BASELINE_EXCEEDANCE_THRESHOLD"); ok && v >= 0 {
		s.BaselineExceedanceThreshold = v
	}
}

func floatFromEnv(key string) (float64, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// EnvFlag reports whether key is set to 1/true/yes/y.
func EnvFlag(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// OutboxDispatcherEnabled defaults to on; OUTBOX_DISPATCHER_ENABLED=false turns it off.
func OutboxDispatcherEnabled() bool {
	if strings.TrimSpace(os.Getenv("OUTBOX_DISPATCHER_ENABLED")) == "" {
		return true
	}
	return EnvFlag("OUTBOX_DISPATCHER_ENABLED")
}

package core

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ReloadConfig re-reads configPath and applies the settings that can change
// without a restart. Returns a list of what changed.
//
// Hot-reloadable settings:
//   - logging level
//   - retention days
//
// Everything else (feed, store, detectors, model, bus) requires a restart.
func ReloadConfig(current *Config, configPath string, retention *Retention, logger zerolog.Logger) ([]string, error) {
	if configPath == "" {
		return nil, fmt.Errorf("no config path set, cannot reload")
	}
	newCfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var changes []string

	if newCfg.LogLevel() != current.LogLevel() {
		current.Logging.Level = newCfg.Logging.Level
		zerolog.SetGlobalLevel(parseLevel(newCfg.LogLevel()))
		changes = append(changes, "logging.level → "+newCfg.LogLevel())
	}

	if newCfg.Retention.Days != current.Retention.Days {
		current.Retention.Days = newCfg.Retention.Days
		if retention != nil {
			retention.SetDays(newCfg.Retention.Days)
		}
		changes = append(changes, fmt.Sprintf("retention.days → %d", newCfg.Retention.Days))
	}

	if len(changes) == 0 {
		changes = append(changes, "no changes detected")
	}

	logger.Info().Strs("changes", changes).Msg("configuration reloaded")
	return changes, nil
}

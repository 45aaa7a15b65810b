package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"tuneforge/logger"
)

// RateRule is a fixed-window quota: at most Max requests per Window.
type RateRule struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// DefaultRuleKey is used for services without an explicit rule.
const DefaultRuleKey = "default"

// DefaultRateRules returns the built-in per-service quotas.
func DefaultRateRules() map[string]RateRule {
	return map[string]RateRule{
		"suno":         {Max: 5, Window: 10 * time.Minute},
		"mureka":       {Max: 5, Window: 10 * time.Minute},
		"stems":        {Max: 10, Window: 10 * time.Minute},
		"lyrics":       {Max: 30, Window: time.Minute},
		DefaultRuleKey: {Max: 30, Window: time.Minute},
	}
}

type rulesFile struct {
	Rules map[string]RateRule `yaml:"rules"`
}

// LoadRateRules reads a YAML rules file and merges it over the defaults.
//
//	rules:
//	  suno: {max: 5, window: 10m}
//	  lyrics: {max: 30, window: 1m}
func LoadRateRules(path string) (map[string]RateRule, error) {
	rules := DefaultRateRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit file %s: %w", path, err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rate limit file %s: %w", path, err)
	}
	for service, rule := range f.Rules {
		if rule.Max <= 0 || rule.Window <= 0 {
			return nil, fmt.Errorf("invalid rule for %q: max and window must be positive", service)
		}
		rules[service] = rule
	}
	return rules, nil
}

// WatchRateRules reloads the rules file whenever it is written and hands the
// result to onChange. Parse errors keep the previous rules. It blocks until ctx
// is cancelled.
func WatchRateRules(ctx context.Context, path string, onChange func(map[string]RateRule)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file instead of writing it.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			rules, err := LoadRateRules(path)
			if err != nil {
				logger.Warn("[RateLimit] rules reload failed, keeping previous rules",
					logger.String("path", path),
					logger.ErrorField(err))
				continue
			}
			logger.Info("[RateLimit] rules reloaded",
				logger.String("path", path),
				logger.Int("services", len(rules)))
			onChange(rules)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("[RateLimit] rules watcher error", logger.ErrorField(err))
		}
	}
}

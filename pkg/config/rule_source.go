package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RuleSpec is a single declarative guardian rule as written in the rule file.
type RuleSpec struct {
	ID       string `yaml:"id" json:"id"`
	Pattern  string `yaml:"pattern" json:"pattern"`
	Category string `yaml:"category" json:"category"`
	Severity string `yaml:"severity" json:"severity"`
	Action   string `yaml:"action" json:"action"`
}

// RuleFile is the on-disk shape of the rule source.
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules" json:"rules"`
}

// RuleSource watches a rule file and notifies subscribers on change. It is
// the only writer into the guardian's versioned rule store; readers never see
// a partially applied rule file because updates are delivered wholesale.
type RuleSource struct {
	path        string
	logger      *slog.Logger
	mu          sync.RWMutex
	current     []RuleSpec
	subscribers []chan []RuleSpec
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// NewRuleSource loads the rule file and starts watching it for changes.
func NewRuleSource(path string, logger *slog.Logger) (*RuleSource, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &RuleSource{
		path:    absPath,
		logger:  logger,
		watcher: watcher,
		cancel:  cancel,
	}

	rules, err := loadRuleFile(absPath)
	if err != nil {
		cancel()
		_ = watcher.Close()
		return nil, err
	}
	s.current = rules

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch rule directory: %w", err)
	}

	go s.watchLoop(ctx)

	return s, nil
}

// Current returns the most recently loaded rule set.
func (s *RuleSource) Current() []RuleSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RuleSpec, len(s.current))
	copy(out, s.current)
	return out
}

// Subscribe returns a channel receiving the full rule set on every reload.
// The current set is delivered immediately.
func (s *RuleSource) Subscribe() <-chan []RuleSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []RuleSpec, 1)
	s.subscribers = append(s.subscribers, ch)
	ch <- s.current
	return ch
}

// Close stops the watcher and releases resources.
func (s *RuleSource) Close() error {
	s.cancel()
	return s.watcher.Close()
}

func (s *RuleSource) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors fire bursts of events for one save; coalesce them.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, s.reload)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("rule watcher error", "error", err)
		}
	}
}

func (s *RuleSource) reload() {
	rules, err := loadRuleFile(s.path)
	if err != nil {
		// Keep serving the prior rule set on a broken reload.
		s.logger.Error("rule reload rejected", "path", s.path, "error", err)
		return
	}

	s.mu.Lock()
	s.current = rules
	subs := make([]chan []RuleSpec, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	s.logger.Info("rule set reloaded", "path", s.path, "rules", len(rules))

	for _, ch := range subs {
		select {
		case ch <- rules:
		default:
			// Drop the stale pending update and replace it with the new set.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- rules:
			default:
			}
		}
	}
}

func loadRuleFile(path string) ([]RuleSpec, error) {
	//nolint:gosec // Rule file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
	}

	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule file %s: %w", path, err)
	}

	if err := ValidateRules(file.Rules); err != nil {
		return nil, err
	}

	return file.Rules, nil
}

// ValidateRules checks the declarative rule list for structural problems.
func ValidateRules(rules []RuleSpec) error {
	seen := make(map[string]struct{}, len(rules))
	for i, rule := range rules {
		id := strings.TrimSpace(rule.ID)
		if id == "" {
			return fmt.Errorf("rule %d: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("rule %s: duplicate id", id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(rule.Pattern) == "" {
			return fmt.Errorf("rule %s: pattern is required", id)
		}
		switch strings.ToLower(rule.Severity) {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("rule %s: unsupported severity %q", id, rule.Severity)
		}
		switch strings.ToLower(rule.Action) {
		case "allow", "flag", "block":
		default:
			return fmt.Errorf("rule %s: unsupported action %q", id, rule.Action)
		}
	}
	return nil
}

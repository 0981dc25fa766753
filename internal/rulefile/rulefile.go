// Package rulefile loads rule definitions from YAML files and keeps an
// engine in sync with them.
package rulefile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/ruleautomation/rules"
)

// ErrNotOwned reports a file entry whose ID belongs to a rule that was not
// created from the rule file
var ErrNotOwned = errors.New("rule exists and was not created from the rule file")

// File is the document layout of a rule file
type File struct {
	Rules []*rules.Rule `yaml:"rules"`
}

// Load reads and decodes the rule file at path. Unknown keys and duplicate
// rule IDs are rejected. An empty file yields no rules.
func Load(path string) ([]*rules.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule file: %w", err)
	}
	defer f.Close()

	return Decode(f)
}

// Decode reads a rule file document from r
func Decode(r io.Reader) ([]*rules.Rule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc File
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode rule file: %w", err)
	}

	seen := make(map[string]bool, len(doc.Rules))
	for i, r := range doc.Rules {
		if r == nil {
			return nil, fmt.Errorf("rule %d is empty", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule ID %q", r.ID)
		}
		seen[r.ID] = true
	}
	return doc.Rules, nil
}

// RuleManager is the part of the engine a Syncer drives
type RuleManager interface {
	AddRule(r *rules.Rule) error
	UpdateRule(r *rules.Rule) error
	RemoveRule(ruleID string) error
	GetRule(ruleID string) (*rules.Rule, error)
}

// Syncer applies rule file contents to an engine. It remembers which rule IDs
// came from the file so that rules deleted from the file are removed while
// rules created through other paths are left alone.
type Syncer struct {
	engine RuleManager
	logger *slog.Logger

	// Debounce is how long the file must stay quiet before a reload
	Debounce time.Duration

	mu    sync.Mutex
	owned map[string]bool
}

// NewSyncer creates a syncer for engine
func NewSyncer(engine RuleManager, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		engine:   engine,
		logger:   logger,
		Debounce: 100 * time.Millisecond,
		owned:    make(map[string]bool),
	}
}

// SyncResult counts the changes made by one Apply
type SyncResult struct {
	Added   int
	Updated int
	Removed int
}

// Apply adds new rules, updates changed ones and removes owned rules absent
// from defs. Every rule is attempted; failures are joined into the error.
// An entry whose ID belongs to a rule the syncer did not add is never
// claimed: it is skipped when identical and fails with ErrNotOwned otherwise.
func (s *Syncer) Apply(defs []*rules.Rule) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res  SyncResult
		errs []error
		next = make(map[string]bool, len(defs))
	)

	for _, def := range defs {
		existing, err := s.engine.GetRule(def.ID)
		switch {
		case rules.IsRuleNotFound(err):
			if err := s.engine.AddRule(def); err != nil {
				errs = append(errs, fmt.Errorf("add %s: %w", def.ID, err))
				continue
			}
			res.Added++
		case err != nil:
			errs = append(errs, fmt.Errorf("get %s: %w", def.ID, err))
			continue
		case !s.owned[def.ID]:
			if !sameDefinition(existing, def) {
				errs = append(errs, fmt.Errorf("update %s: %w", def.ID, ErrNotOwned))
			}
			continue
		case sameDefinition(existing, def):
		default:
			if err := s.engine.UpdateRule(def); err != nil {
				errs = append(errs, fmt.Errorf("update %s: %w", def.ID, err))
				// Still ours; a later edit of the file may fix it
				next[def.ID] = true
				continue
			}
			res.Updated++
		}
		next[def.ID] = true
	}

	for _, id := range sortedKeys(s.owned) {
		if next[id] {
			continue
		}
		if err := s.engine.RemoveRule(id); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
			next[id] = true
			continue
		}
		res.Removed++
	}

	s.owned = next
	return res, errors.Join(errs...)
}

// LoadAndApply loads path and applies it
func (s *Syncer) LoadAndApply(path string) (SyncResult, error) {
	defs, err := Load(path)
	if err != nil {
		return SyncResult{}, err
	}
	return s.Apply(defs)
}

// Owned returns the IDs of rules that came from the file, sorted
func (s *Syncer) Owned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.owned)
}

// Watch re-applies the file at path whenever its content changes, until ctx
// is done. The parent directory is watched so that editors replacing the
// file are picked up. A file that fails to load leaves the engine untouched.
func (s *Syncer) Watch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve rule file path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			s.logger.Error("close watcher", slog.Any("error", err))
		}
	}()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != abs {
				continue
			}
			// Permission changes do not alter content
			if evt.Has(fsnotify.Chmod) {
				continue
			}
			if evt.Has(fsnotify.Remove) || evt.Has(fsnotify.Rename) {
				s.logger.Warn("rule file removed, keeping current rules", slog.String("path", abs))
				continue
			}

			// Writers often truncate before writing; wait for the file to settle
			if timer == nil {
				timer = time.NewTimer(s.Debounce)
			} else {
				timer.Reset(s.Debounce)
			}
			reload = timer.C

		case <-reload:
			reload = nil
			res, err := s.LoadAndApply(abs)
			if err != nil {
				s.logger.Error("failed to reload rule file",
					slog.String("path", abs),
					slog.Any("error", err),
				)
				continue
			}
			s.logger.Info("rule file reloaded",
				slog.String("path", abs),
				slog.Int("added", res.Added),
				slog.Int("updated", res.Updated),
				slog.Int("removed", res.Removed),
			)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("rule file watcher error", slog.Any("error", err))
		}
	}
}

// sameDefinition compares two rules ignoring store-maintained timestamps. The
// JSON forms are compared so that values which went through a store round
// trip (ints decoded as float64) still match the file.
func sameDefinition(a, b *rules.Rule) bool {
	x, y := *a, *b
	x.CreatedAt, x.UpdatedAt = y.CreatedAt, y.UpdatedAt

	xj, err := json.Marshal(&x)
	if err != nil {
		return false
	}
	yj, err := json.Marshal(&y)
	if err != nil {
		return false
	}
	return bytes.Equal(xj, yj)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

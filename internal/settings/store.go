// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	applog "github.com/ManuGH/printwatch/internal/log"
)

// Hooks run around an apply of one sub-tree. Pre typically stops the
// dependent service, Post starts it again. A nil hook is skipped.
type Hooks struct {
	Pre  func(ctx context.Context, tree SubTree) error
	Post func(ctx context.Context, tree SubTree) error
}

// Store is the process-scoped settings handle. Reads return snapshots of
// the last committed document; applies serialize through the history's
// write lock.
type Store struct {
	mu      sync.RWMutex
	path    string
	history *History
	viper   *viper.Viper
	current Settings
	hooks   map[SubTree]Hooks
	log     zerolog.Logger
}

// Options configures Open. Zero values fall back to the environment and
// built-in defaults.
type Options struct {
	// Path of the primary settings file. Empty resolves PRINTWATCH_SETTINGS,
	// then DefaultFile.
	Path string
	// Remote history to clone when the local copy is absent.
	Remote string
}

// FilePath resolves the effective settings file path.
func (o Options) FilePath() string {
	if o.Path != "" {
		return o.Path
	}
	if p := os.Getenv(EnvSettingsPath); p != "" {
		return p
	}
	return DefaultFile
}

// Open materializes the configuration and opens (cloning if needed) the
// settings history rooted at the file's directory. A missing settings
// file is tolerated on first boot; defaults apply until the first save.
func Open(ctx context.Context, opts Options) (*Store, error) {
	path := opts.FilePath()
	dir := filepath.Dir(path)

	history, err := OpenHistory(dir, opts.Remote)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:    path,
		history: history,
		hooks:   make(map[SubTree]Hooks),
		log:     applog.WithComponent("settings"),
	}
	if err := s.Load(ctx); err != nil && !errors.Is(err, ErrConfigNotFound) {
		return nil, err
	}
	return s, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("PRINTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load re-reads the layered configuration: defaults, then the settings
// file, then PRINTWATCH_* environment variables.
func (s *Store) Load(_ context.Context) error {
	v := newViper(s.path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, os.ErrNotExist) || errors.As(err, &notFound) {
			s.log.Warn().
				Str("event", "settings.load.missing").
				Str(applog.FieldPath, s.path).
				Msg("settings file absent, using defaults")
			s.swap(v)
			return fmt.Errorf("%w: %s", ErrConfigNotFound, s.path)
		}
		return &SerializationError{File: s.path, Err: err}
	}

	return s.swap(v)
}

func (s *Store) swap(v *viper.Viper) error {
	var parsed Settings
	if err := v.Unmarshal(&parsed); err != nil {
		return &SerializationError{File: s.path, Err: err}
	}
	s.mu.Lock()
	s.viper = v
	s.current = parsed
	s.mu.Unlock()
	return nil
}

// fileName resolves a sub-tree's on-disk name. The main document follows
// the configured path so Apply and Load always address the same file.
func (s *Store) fileName(tree SubTree) string {
	if tree == SubTreePrintwatch {
		return filepath.Base(s.path)
	}
	return tree.FileName()
}

// subTreeForFile is the inverse of fileName for watch events.
func (s *Store) subTreeForFile(name string) (SubTree, bool) {
	if name == filepath.Base(s.path) {
		return SubTreePrintwatch, true
	}
	return SubTreeForFile(name)
}

// Current returns a snapshot of the materialized settings.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Get reads one value by dotted key path, e.g. "camera.device_name".
func (s *Store) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.viper == nil {
		return nil
	}
	return s.viper.Get(key)
}

// History exposes the underlying version history.
func (s *Store) History() *History { return s.history }

// Path returns the primary settings file path.
func (s *Store) Path() string { return s.path }

// SetHooks registers the pre/post hooks for one sub-tree.
func (s *Store) SetHooks(tree SubTree, hooks Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[tree] = hooks
}

// Apply validates content in the sub-tree's format, writes it atomically,
// stages all tracked files and records one commit. An empty message is
// synthesized as "<filename>: commit #<n>". The pre-hook runs before the
// write and aborts it on failure; the post-hook runs after the commit,
// and its failure is reported as ErrPostHook with the commit preserved.
func (s *Store) Apply(ctx context.Context, tree SubTree, content []byte, message string) (Commit, error) {
	if err := tree.Format().Validate(content); err != nil {
		return Commit{}, &SerializationError{File: tree.FileName(), Err: err}
	}

	s.mu.RLock()
	hooks := s.hooks[tree]
	s.mu.RUnlock()

	if hooks.Pre != nil {
		if err := hooks.Pre(ctx, tree); err != nil {
			return Commit{}, fmt.Errorf("pre-hook %s: %w", tree, err)
		}
	}

	name := s.fileName(tree)
	path := filepath.Join(s.history.Dir(), name)
	if err := renameio.WriteFile(path, content, 0o644); err != nil {
		return Commit{}, fmt.Errorf("write %s: %w", name, err)
	}

	if message == "" {
		log, err := s.history.Log(ctx)
		if err != nil {
			return Commit{}, err
		}
		message = fmt.Sprintf("%s: commit #%d", name, len(log)+1)
	}

	commit, err := s.history.CommitAll(ctx, message)
	if err != nil {
		return Commit{}, err
	}

	if tree == SubTreePrintwatch {
		if err := s.Load(ctx); err != nil {
			return commit, err
		}
	}

	if hooks.Post != nil {
		if err := hooks.Post(ctx, tree); err != nil {
			s.log.Error().
				Err(err).
				Str("event", "settings.apply.posthook").
				Str(applog.FieldCommit, commit.Hash).
				Msg("post-hook failed, commit preserved")
			return commit, fmt.Errorf("%w: %v", ErrPostHook, err)
		}
	}
	return commit, nil
}

// Read returns the committed content of one sub-tree document.
func (s *Store) Read(tree SubTree) ([]byte, error) {
	name := s.fileName(tree)
	data, err := os.ReadFile(filepath.Join(s.history.Dir(), name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, name)
	}
	return data, err
}

// Revert restores the documents of rev as a new head commit and reloads
// the materialized configuration.
func (s *Store) Revert(ctx context.Context, rev string) (Commit, error) {
	commit, err := s.history.RevertTo(ctx, rev)
	if err != nil {
		return Commit{}, err
	}
	if err := s.Load(ctx); err != nil && !errors.Is(err, ErrConfigNotFound) {
		return commit, err
	}
	return commit, nil
}

// Watch delivers the sub-tree of every document changed on disk until ctx
// is done. External edits and applies both surface here.
func (s *Store) Watch(ctx context.Context) (<-chan SubTree, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("settings watcher: %w", err)
	}
	if err := watcher.Add(s.history.Dir()); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", s.history.Dir(), err)
	}

	out := make(chan SubTree, 8)
	go func() {
		defer close(out)
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				tree, known := s.subTreeForFile(filepath.Base(ev.Name))
				if !known {
					continue
				}
				s.log.Debug().
					Str("event", "settings.watch.changed").
					Str(applog.FieldPath, ev.Name).
					Msg("settings document changed")
				select {
				case out <- tree:
				default:
					// slow subscriber, latest change coalesces
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).
					Str("event", "settings.watch.error").
					Msg("settings watcher error")
			}
		}
	}()
	return out, nil
}

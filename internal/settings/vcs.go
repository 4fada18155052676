// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package settings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"

	applog "github.com/ManuGH/printwatch/internal/log"
)

const (
	botName   = "printwatch-bot"
	botEmail  = "bot@printwatch.local"
	mainRef   = "refs/heads/main"
	branchRef = plumbing.ReferenceName(mainRef)
)

// History is the local version-controlled directory holding the settings
// documents. All writes serialize through its mutex; reads outside the
// lock see the last committed state.
type History struct {
	mu   sync.Mutex
	dir  string
	repo *git.Repository
	log  zerolog.Logger
}

// Commit is one entry of the linear history.
type Commit struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	When    time.Time `json:"ts"`
}

// OpenHistory opens the history at dir, cloning remote when the local
// copy is absent. With an empty remote a fresh history is initialized.
// After this call all operations are offline.
func OpenHistory(dir, remote string) (*History, error) {
	logger := applog.WithComponent("settings.history")

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = initHistory(dir, remote, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("open settings history: %w", err)
	}
	return &History{dir: dir, repo: repo, log: logger}, nil
}

func initHistory(dir, remote string, logger zerolog.Logger) (*git.Repository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if remote != "" {
		logger.Info().
			Str("event", "settings.history.clone").
			Str(applog.FieldPath, dir).
			Str("remote", remote).
			Msg("cloning settings history")
		return git.PlainClone(dir, false, &git.CloneOptions{
			URL:           remote,
			ReferenceName: branchRef,
			SingleBranch:  true,
		})
	}
	logger.Info().
		Str("event", "settings.history.init").
		Str(applog.FieldPath, dir).
		Msg("initializing empty settings history")
	return git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: branchRef},
	})
}

// Dir returns the history root.
func (h *History) Dir() string { return h.dir }

// CommitAll stages every tracked and untracked file and records one
// commit with the bot identity. Identical content still produces a
// commit so each save maps to exactly one history entry.
func (h *History) CommitAll(ctx context.Context, message string) (Commit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.commitAllLocked(ctx, message)
}

func (h *History) commitAllLocked(_ context.Context, message string) (Commit, error) {
	wt, err := h.repo.Worktree()
	if err != nil {
		return Commit{}, err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return Commit{}, fmt.Errorf("stage settings: %w", err)
	}

	now := time.Now()
	hash, err := wt.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            &object.Signature{Name: botName, Email: botEmail, When: now},
		Committer:         &object.Signature{Name: botName, Email: botEmail, When: now},
	})
	if err != nil {
		return Commit{}, fmt.Errorf("commit settings: %w", err)
	}

	h.log.Info().
		Str("event", "settings.history.commit").
		Str(applog.FieldCommit, hash.String()).
		Str("message", message).
		Msg("settings committed")
	return Commit{Hash: hash.String(), Message: message, When: now}, nil
}

// Log returns the history newest-first. An empty history yields an
// empty slice.
func (h *History) Log(ctx context.Context) ([]Commit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logLocked(ctx)
}

func (h *History) logLocked(_ context.Context) ([]Commit, error) {
	iter, err := h.repo.Log(&git.LogOptions{})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []Commit{}, nil
		}
		return nil, err
	}
	defer iter.Close()

	commits := []Commit{}
	err = iter.ForEach(func(c *object.Commit) error {
		commits = append(commits, Commit{
			Hash:    c.Hash.String(),
			Message: c.Message,
			When:    c.Author.When,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commits, nil
}

// RevertTo restores the working tree content of rev and records the
// restoration as a new commit, preserving the linear history. The head
// commit's parent is whatever head was before the revert.
func (h *History) RevertTo(ctx context.Context, rev string) (Commit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hash, err := h.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return Commit{}, fmt.Errorf("%w: %s", ErrUnknownCommit, rev)
	}
	commit, err := h.repo.CommitObject(*hash)
	if err != nil {
		return Commit{}, fmt.Errorf("%w: %s", ErrUnknownCommit, rev)
	}
	tree, err := commit.Tree()
	if err != nil {
		return Commit{}, err
	}

	err = tree.Files().ForEach(func(f *object.File) error {
		reader, err := f.Reader()
		if err != nil {
			return err
		}
		defer func() { _ = reader.Close() }()

		data, err := io.ReadAll(reader)
		if err != nil {
			return err
		}
		path := filepath.Join(h.dir, f.Name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	})
	if err != nil {
		return Commit{}, fmt.Errorf("restore tree %s: %w", rev, err)
	}

	return h.commitAllLocked(ctx, fmt.Sprintf("revert to %s", hash.String()[:8]))
}

// FileAt returns the content of a file as of rev.
func (h *History) FileAt(_ context.Context, rev, name string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hash, err := h.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommit, rev)
	}
	commit, err := h.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommit, rev)
	}
	f, err := commit.File(name)
	if err != nil {
		return nil, fmt.Errorf("file %s at %s: %w", name, rev, err)
	}
	reader, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/ports"
)

// FileStore keeps the state document in a JSON file. Saves replace the file
// atomically through a temporary sibling and a rename.
type FileStore struct {
	path   string
	now    func() time.Time
	logger *slog.Logger
}

var (
	_ ports.StateStore     = (*FileStore)(nil)
	_ ports.StateInspector = (*FileStore)(nil)
)

// NewFileStore binds the store to path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileStore{path: path, now: time.Now, logger: logger}
}

// Load reads the document. A missing file is a never-run state. A corrupt
// file is moved aside and the run starts from an empty state that is marked
// dirty so the next save replaces it.
func (s *FileStore) Load(ctx context.Context) (*domain.GlobalState, error) {
	raw, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return domain.NewGlobalState(), nil
	}

	state, upgraded, err := decodeState(raw, s.now().UTC())
	if err != nil {
		corrupt := &domain.StateCorruptionError{Location: s.path, Err: err}
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			return nil, fmt.Errorf("%w (move aside: %v)", corrupt, renameErr)
		}
		s.logger.Warn("state document is corrupt, starting from empty state", "error", corrupt, "moved_to", aside)
		fresh := domain.NewGlobalState()
		fresh.MarkDirty()
		return fresh, nil
	}
	if upgraded {
		s.logger.Info("upgraded legacy state document", "path", s.path, "sources", len(state.Sources), "identities", len(state.Identities))
		state.MarkDirty()
	}
	return state, nil
}

// Inspect decodes the document without touching the file. A corrupt file is
// reported as a StateCorruptionError and left in place.
func (s *FileStore) Inspect(ctx context.Context) (*domain.GlobalState, error) {
	raw, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return domain.NewGlobalState(), nil
	}
	state, _, err := decodeState(raw, s.now().UTC())
	if err != nil {
		return nil, &domain.StateCorruptionError{Location: s.path, Err: err}
	}
	return state, nil
}

// read returns nil without error when the file does not exist.
func (s *FileStore) read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read state %s: %w", s.path, err)
	}
	return raw, nil
}

// Save writes the document atomically.
func (s *FileStore) Save(ctx context.Context, state *domain.GlobalState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace state %s: %w", s.path, err)
	}
	return nil
}

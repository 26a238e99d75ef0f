package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/danmuck/edgelink/internal/logging"
	"github.com/rs/zerolog"
)

const artifactDir = "artifacts"

// FileStore keeps one file per account under <dataDir>/artifacts.
type FileStore struct {
	mu      sync.Mutex
	dataDir string
	log     zerolog.Logger
}

func NewFileStore(dataDir string) *FileStore {
	return &FileStore{dataDir: dataDir, log: logging.For("artifact")}
}

func (s *FileStore) DataDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataDir
}

func (s *FileStore) path(account string) string {
	return filepath.Join(s.dataDir, artifactDir, Key(account)+".bin")
}

func (s *FileStore) Load(_ context.Context, account string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path(account))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: load: %w", err)
	}
	return b, nil
}

func (s *FileStore) Save(_ context.Context, account string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(account)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("artifact: save: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return fmt.Errorf("artifact: save: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("artifact: save: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("artifact: save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifact: save: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("artifact: save: %w", err)
	}
	s.log.Debug().Msgf("artifact.FileStore.Save key=%s bytes=%d", Key(account), len(blob))
	return nil
}

func (s *FileStore) Delete(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(account)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("artifact: delete: %w", err)
	}
	return nil
}

// Relocate moves every stored artifact under newDataDir and switches the
// store to it. Files already present at the destination are kept.
func (s *FileStore) Relocate(newDataDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if filepath.Clean(newDataDir) == filepath.Clean(s.dataDir) {
		return nil
	}
	from := filepath.Join(s.dataDir, artifactDir)
	to := filepath.Join(newDataDir, artifactDir)
	entries, err := os.ReadDir(from)
	if errors.Is(err, os.ErrNotExist) {
		s.dataDir = newDataDir
		return nil
	}
	if err != nil {
		return fmt.Errorf("artifact: relocate: %w", err)
	}
	if err := os.MkdirAll(to, 0o700); err != nil {
		return fmt.Errorf("artifact: relocate: %w", err)
	}
	moved := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		dst := filepath.Join(to, e.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := moveFile(filepath.Join(from, e.Name()), dst); err != nil {
			return fmt.Errorf("artifact: relocate %s: %w", e.Name(), err)
		}
		moved++
	}
	s.log.Info().Msgf("artifact.FileStore.Relocate from=%s to=%s moved=%d", s.dataDir, newDataDir, moved)
	s.dataDir = newDataDir
	return nil
}

// moveFile renames src to dst, copying when they sit on different
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

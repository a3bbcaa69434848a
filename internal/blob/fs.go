package blob

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
)

// FS keeps blobs as plain files below a root directory. The file mtime
// doubles as the last-access time.
type FS struct {
	root  string
	clock clock.Clock
}

var _ Store = (*FS)(nil)

// NewFS creates the root directory if needed.
func NewFS(root string, clk clock.Clock) (*FS, error) {
	if clk == nil {
		clk = clock.New()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "create blob root")
	}
	return &FS{root: root, clock: clk}, nil
}

func (s *FS) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", derror.Validation("invalid blob key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FS) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "stat blob %s", key)
	}
	return true, nil
}

// Put writes through a temporary file and renames it into place, so readers
// never observe a partially written blob.
func (s *FS) Put(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for blob %s", key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "create blob %s", key)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write blob %s", key)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "write blob %s", key)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return errors.Wrapf(err, "commit blob %s", key)
	}

	now := s.clock.Now()
	return errors.Wrapf(os.Chtimes(p, now, now), "set times of blob %s", key)
}

func (s *FS) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, derror.NotFound("blob %s not found", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read blob %s", key)
	}
	return data, nil
}

func (s *FS) Touch(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	err = os.Chtimes(p, now, now)
	if errors.Is(err, fs.ErrNotExist) {
		return derror.NotFound("blob %s not found", key)
	}
	return errors.Wrapf(err, "touch blob %s", key)
}

func (s *FS) LastAccess(_ context.Context, key string) (time.Time, error) {
	p, err := s.path(key)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, derror.NotFound("blob %s not found", key)
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "stat blob %s", key)
	}
	return info.ModTime(), nil
}

func (s *FS) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "delete blob %s", key)
	}
	return nil
}

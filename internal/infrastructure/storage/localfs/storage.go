package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

// Storage maps blob containers to directories under basePath. Blob names may
// contain '/' separators.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, domain.WrapError(domain.ErrSetup, "create storage dir", err)
	}
	return &Storage{basePath: basePath}, nil
}

func (s *Storage) Exists(_ context.Context, container string) (bool, error) {
	dir, err := s.containerPath(container)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat container: %w", err)
	}
	return info.IsDir(), nil
}

func (s *Storage) EnsureContainer(_ context.Context, container string) error {
	dir, err := s.containerPath(container)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.WrapError(domain.ErrUpload, "create container", err)
	}
	return nil
}

// Enumerate yields blobs in lexical order. A missing container yields nothing.
func (s *Storage) Enumerate(ctx context.Context, container, prefix string) iter.Seq2[domain.BlobRef, error] {
	return func(yield func(domain.BlobRef, error) bool) {
		dir, err := s.containerPath(container)
		if err != nil {
			yield(domain.BlobRef{}, err)
			return
		}
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			return
		}

		errStop := errors.New("stop")
		walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
				return nil
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			name := filepath.ToSlash(rel)
			if !strings.HasPrefix(name, prefix) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			ref := domain.BlobRef{Container: container, Name: name, Size: info.Size(), ModTime: info.ModTime()}
			if !yield(ref, nil) {
				return errStop
			}
			return nil
		})
		if walkErr != nil && !errors.Is(walkErr, errStop) {
			yield(domain.BlobRef{}, fmt.Errorf("enumerate container %s: %w", container, walkErr))
		}
	}
}

func (s *Storage) Download(_ context.Context, ref domain.BlobRef) ([]byte, error) {
	p, err := s.blobPath(ref.Container, ref.Name)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.WrapError(domain.ErrNotFound, "download blob", fmt.Errorf("%s/%s", ref.Container, ref.Name))
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return raw, nil
}

// Upload writes through a temporary file so readers never see partial blobs.
func (s *Storage) Upload(_ context.Context, container, name string, body io.Reader, overwrite bool) error {
	p, err := s.blobPath(container, name)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(p); err == nil {
			return domain.WrapError(domain.ErrConflict, "upload blob", fmt.Errorf("%s/%s already exists", container, name))
		}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return domain.WrapError(domain.ErrUpload, "create blob dir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return domain.WrapError(domain.ErrUpload, "create file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return domain.WrapError(domain.ErrUpload, "write file", err)
	}
	if err := tmp.Close(); err != nil {
		return domain.WrapError(domain.ErrUpload, "close file", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return domain.WrapError(domain.ErrUpload, "commit file", err)
	}
	return nil
}

func (s *Storage) Delete(_ context.Context, container, name string) error {
	p, err := s.blobPath(container, name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.WrapError(domain.ErrNotFound, "delete blob", fmt.Errorf("%s/%s", container, name))
		}
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *Storage) containerPath(container string) (string, error) {
	if container == "" || strings.ContainsAny(container, `/\`) || container == "." || container == ".." {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve container", fmt.Errorf("invalid container name %q", container))
	}
	return filepath.Join(s.basePath, container), nil
}

func (s *Storage) blobPath(container, name string) (string, error) {
	dir, err := s.containerPath(container)
	if err != nil {
		return "", err
	}
	clean := path.Clean("/" + name)
	if name == "" || clean == "/" || clean[1:] != name {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve blob", fmt.Errorf("invalid blob name %q", name))
	}
	return filepath.Join(dir, filepath.FromSlash(name)), nil
}

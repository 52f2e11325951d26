package provider

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ProfileStore keeps browser user-data directories between runs as tar.gz
// archives, one per profile key.
type ProfileStore struct {
	root    string
	workdir string
}

func NewProfileStore(root string) (*ProfileStore, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "scrapelane-profiles")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile storage: %w", err)
	}
	workdir := filepath.Join(os.TempDir(), "scrapelane-browser-data")
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create browser data dir: %w", err)
	}
	return &ProfileStore{root: root, workdir: workdir}, nil
}

func (p *ProfileStore) archivePath(key string) string {
	return filepath.Join(p.root, key+".tar.gz")
}

// HasData reports whether an archive exists for key.
func (p *ProfileStore) HasData(key string) bool {
	_, err := os.Stat(p.archivePath(key))
	return err == nil
}

// Restore returns a fresh working directory for key, populated from its
// archive when one exists.
func (p *ProfileStore) Restore(key string) (string, error) {
	dir, err := os.MkdirTemp(p.workdir, key+"-")
	if err != nil {
		return "", err
	}
	if !p.HasData(key) {
		return dir, nil
	}
	if err := extractArchive(p.archivePath(key), dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// Save archives dir as the new state of key. The previous archive is replaced
// only once the new one is complete.
func (p *ProfileStore) Save(key, dir string) error {
	tmp := p.archivePath(key) + ".tmp"
	if err := compressDirectory(dir, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p.archivePath(key))
}

// Delete drops the archive for key.
func (p *ProfileStore) Delete(key string) error {
	if err := os.Remove(p.archivePath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete profile data: %w", err)
	}
	return nil
}

// Discard removes a working directory handed out by Restore.
func (p *ProfileStore) Discard(dir string) {
	if dir != "" && strings.HasPrefix(dir, p.workdir) {
		os.RemoveAll(dir)
	}
}

func compressDirectory(source, target string) error {
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	defer file.Close()

	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			// sockets and lock symlinks left by chrome
			return nil
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return walkErr
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func extractArchive(source, target string) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	cleanTarget := filepath.Clean(target) + string(os.PathSeparator)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		path := filepath.Join(target, filepath.FromSlash(header.Name))
		if path != filepath.Clean(target) && !strings.HasPrefix(path, cleanTarget) {
			return fmt.Errorf("archive entry %q escapes target", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

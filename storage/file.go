package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileGateway implements Gateway on the local filesystem under a root
// directory. Writes go to a temporary file in the destination directory and
// are renamed into place, so readers never observe a partial object.
// Example:
//
//	gw, err := storage.NewFileGateway("./storage", "alice@example.com")
type FileGateway struct {
	root     string
	userHash string
}

// NewFileGateway creates a gateway rooted at dir, scoped to the given
// user's partition. The root directory is created if absent.
func NewFileGateway(dir, userEmail string) (*FileGateway, error) {
	if userEmail == "" {
		userEmail = AnonymousEmail
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FileGateway{
		root:     abs,
		userHash: UserHash(userEmail),
	}, nil
}

// Save writes content atomically: temp file in the target directory, fsync,
// then rename over the destination.
func (g *FileGateway) Save(ctx context.Context, content []byte, filename, sessionID string) (string, error) {
	key, err := objectKey(g.userHash, filename, sessionID)
	if err != nil {
		return "", err
	}
	if err := g.writeAtomic(key, func(w io.Writer) error {
		_, err := w.Write(content)
		return err
	}); err != nil {
		return "", &Error{Op: "save", Key: key, Err: err}
	}
	return key, nil
}

// SaveStream copies the reader into a temp file and renames it into place.
func (g *FileGateway) SaveStream(ctx context.Context, r io.Reader, filename, sessionID string) (string, error) {
	key, err := objectKey(g.userHash, filename, sessionID)
	if err != nil {
		return "", err
	}
	if err := g.writeAtomic(key, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	}); err != nil {
		return "", &Error{Op: "save", Key: key, Err: err}
	}
	return key, nil
}

// writeAtomic runs fill against a temporary file next to the destination
// and renames on success. The temp file lives in the same directory so the
// rename stays within one filesystem.
func (g *FileGateway) writeAtomic(key string, fill func(io.Writer) error) error {
	dst := filepath.Join(g.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".pagemill-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

// Get returns the exact bytes last written.
func (g *FileGateway) Get(ctx context.Context, filename, sessionID string) ([]byte, error) {
	key, err := objectKey(g.userHash, filename, sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(g.root, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, &Error{Op: "get", Key: key, Err: err}
	}
	return data, nil
}

// Delete removes the object. Returns true if a file existed.
func (g *FileGateway) Delete(ctx context.Context, filename, sessionID string) (bool, error) {
	key, err := objectKey(g.userHash, filename, sessionID)
	if err != nil {
		return false, err
	}
	err = os.Remove(filepath.Join(g.root, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &Error{Op: "delete", Key: key, Err: err}
	}
	return true, nil
}

// List walks the directory mapped to the computed prefix. Names are
// relative to that prefix, using forward slashes on every platform.
func (g *FileGateway) List(ctx context.Context, prefix, sessionID string) ([]ObjectInfo, error) {
	keyPrefix, err := listPrefix(g.userHash, prefix, sessionID)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(g.root, filepath.FromSlash(strings.TrimSuffix(keyPrefix, "/")))

	var infos []ObjectInfo
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		infos = append(infos, ObjectInfo{
			Name:     filepath.ToSlash(rel),
			Size:     fi.Size(),
			Modified: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "list", Key: keyPrefix, Err: err}
	}
	return infos, nil
}

// URL returns the serving path for the object.
func (g *FileGateway) URL(filename, sessionID string) string {
	return fileURL(g.userHash, filename, sessionID)
}

// UserHash returns the 12-character partition prefix of the bound user.
func (g *FileGateway) UserHash() string { return g.userHash }

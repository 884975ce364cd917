// Package storage provides a uniform blob API over an S3 bucket, the local
// filesystem, or memory. All backends present identical semantics: atomic
// single-object writes, exact read-back, prefix listing, and per-user key
// partitioning derived from the caller's email.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// AnonymousEmail is the sentinel identity used when no user is supplied.
const AnonymousEmail = "anonymous@pagemill.local"

// UploadScope is the reserved session identifier that maps keys to the
// transient upload staging area at the root of the store, outside any
// user partition.
const UploadScope = "_upload_sessions"

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Error wraps a backend transport failure. Callers treat it as fatal for
// the operation that observed it.
// Example:
//
//	if _, err := gw.Get(ctx, "metadata.json", sessionID); err != nil {
//	    var serr *storage.Error
//	    if errors.As(err, &serr) {
//	        // backend failure, not a missing object
//	    }
//	}
type Error struct {
	Op  string // Operation that failed (save, get, delete, list)
	Key string // Object key the operation targeted
	Err error  // Underlying transport error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ObjectInfo describes one stored object as returned by List.
// Name is relative to the listed prefix.
type ObjectInfo struct {
	Modified time.Time `json:"modified"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
}

// Gateway is the single storage API every component programs against.
// The sessionID argument scopes keys under users/{hash}/{sessionID}/;
// an empty sessionID scopes to the user root, and the reserved
// UploadScope value scopes to the shared upload staging prefix.
//
// Save and SaveStream are atomic: a concurrent reader observes either the
// previous object or the complete new one, never a partial write.
type Gateway interface {
	Save(ctx context.Context, content []byte, filename, sessionID string) (string, error)
	SaveStream(ctx context.Context, r io.Reader, filename, sessionID string) (string, error)
	Get(ctx context.Context, filename, sessionID string) ([]byte, error)
	Delete(ctx context.Context, filename, sessionID string) (bool, error)
	List(ctx context.Context, prefix, sessionID string) ([]ObjectInfo, error)
	URL(filename, sessionID string) string
	UserHash() string
}

// UserHash computes the 12-character key-space partition for a user email:
// lowercase SHA-256 truncated to 12 hex characters.
// Example:
//
//	storage.UserHash("alice@example.com") // "ff8d9819fc0e"
func UserHash(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(email)))
	return hex.EncodeToString(sum[:])[:12]
}

// objectKey builds the full store key for a filename within a session scope.
// It refuses keys that would escape the computed prefix.
func objectKey(userHash, filename, sessionID string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("filename is required")
	}
	if err := checkPathElement(filename); err != nil {
		return "", err
	}
	if sessionID == UploadScope {
		return path.Join(UploadScope, filename), nil
	}
	if sessionID != "" {
		if err := checkPathElement(sessionID); err != nil {
			return "", err
		}
		return path.Join("users", userHash, sessionID, filename), nil
	}
	return path.Join("users", userHash, filename), nil
}

// listPrefix builds the key prefix for List within a session scope.
func listPrefix(userHash, prefix, sessionID string) (string, error) {
	base, err := objectKey(userHash, "x", sessionID)
	if err != nil {
		return "", err
	}
	base = strings.TrimSuffix(base, "x")
	if prefix == "" {
		return base, nil
	}
	if err := checkPathElement(prefix); err != nil {
		return "", err
	}
	return base + strings.TrimSuffix(prefix, "/") + "/", nil
}

// checkPathElement rejects path components that would traverse outside the
// user prefix.
func checkPathElement(p string) error {
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("absolute path not allowed: %s", p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("path traversal not allowed: %s", p)
		}
	}
	return nil
}

// fileURL is the serving path the dispatch API exposes for an object.
func fileURL(userHash, filename, sessionID string) string {
	if sessionID != "" && sessionID != UploadScope {
		return fmt.Sprintf("/storage/%s/%s/%s", userHash, sessionID, filename)
	}
	return fmt.Sprintf("/storage/%s/%s", userHash, filename)
}

// isJSON reports whether a key holds a JSON document that must never be
// cached stale by intermediaries.
func isJSON(key string) bool {
	return strings.HasSuffix(key, ".json")
}

// Package objectstore provides the object store holding the full activity bundles.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/stravabronze/activity-sync/internal/common/constants"
	"google.golang.org/api/option"
)

// ErrNotExist is returned when reading an object that does not exist.
var ErrNotExist = errors.New("object does not exist")

// Store is a flat key value blob store. Writes always overwrite.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. It reports whether the object existed.
	Delete(ctx context.Context, key string) (bool, error)
	Close() error
}

type options struct {
	clientOptions []option.ClientOption
}

// Options represents an optional function to override object store default values.
type Options func(*options)

// WithClientOptions passes Google API client options to the Cloud Storage backend.
func WithClientOptions(opts ...option.ClientOption) Options {
	return func(o *options) {
		o.clientOptions = append(o.clientOptions, opts...)
	}
}

// Open returns the object store described by dsn.
//
// Supported forms are:
//   - "" or a plain path, or file:///root/dir: objects are files under the directory.
//   - gs://bucket/prefix: objects are stored in a Cloud Storage bucket, under an optional prefix.
func Open(ctx context.Context, dsn string, args ...Options) (Store, error) {
	var opts options
	for _, opt := range args {
		opt(&opts)
	}

	if dsn == "" {
		slog.Debug("No object store configured, using default directory", "dir", constants.DefaultObjectsDir)
		return newFSStore(constants.DefaultObjectsDir)
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid object store url %q: %v", dsn, err)
	}

	switch u.Scheme {
	case "", "file":
		dir := u.Path
		if u.Scheme == "" {
			dir = dsn
		}
		if dir == "" {
			return nil, fmt.Errorf("object store url %q has no path", dsn)
		}
		return newFSStore(dir)
	case "gs":
		if u.Host == "" {
			return nil, fmt.Errorf("object store url %q has no bucket", dsn)
		}
		return newGCSStore(ctx, u.Host, strings.Trim(u.Path, "/"), opts)
	default:
		return nil, fmt.Errorf("unsupported object store scheme %q", u.Scheme)
	}
}

// validKey rejects keys which could escape the store root.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.HasPrefix(key, "../") || key == ".." {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}

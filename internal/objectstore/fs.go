package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/stravabronze/activity-sync/internal/common/fileutils"
	"github.com/ubuntu/decorate"
)

// fsStore keeps each object in its own file under root.
type fsStore struct {
	root string
}

func newFSStore(root string) (*fsStore, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("could not create object store directory: %v", err)
	}
	return &fsStore{root: root}, nil
}

func (s fsStore) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put writes data to key atomically, replacing any previous object.
func (s fsStore) Put(ctx context.Context, key string, data []byte) (err error) {
	defer decorate.OnError(&err, "could not write object %q", key)

	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return err
	}
	return fileutils.AtomicWrite(p, data)
}

func (s fsStore) Get(ctx context.Context, key string) (data []byte, err error) {
	defer decorate.OnError(&err, "could not read object %q", key)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err = os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	return data, err
}

func (s fsStore) Delete(ctx context.Context, key string) (existed bool, err error) {
	defer decorate.OnError(&err, "could not delete object %q", key)

	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s fsStore) Close() error {
	return nil
}

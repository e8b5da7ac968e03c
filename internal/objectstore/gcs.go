package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/ubuntu/decorate"
)

// gcsStore keeps objects in a Cloud Storage bucket.
type gcsStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

func newGCSStore(ctx context.Context, bucket, prefix string, opts options) (*gcsStore, error) {
	client, err := storage.NewClient(ctx, opts.clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("could not create storage client: %v", err)
	}
	return &gcsStore{
		client: client,
		bucket: client.Bucket(bucket),
		prefix: prefix,
	}, nil
}

func (s gcsStore) objectName(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	if s.prefix == "" {
		return key, nil
	}
	return path.Join(s.prefix, key), nil
}

// Put uploads data to key without preconditions, so the last writer wins.
func (s gcsStore) Put(ctx context.Context, key string, data []byte) (err error) {
	defer decorate.OnError(&err, "could not upload object %q", key)

	name, err := s.objectName(key)
	if err != nil {
		return err
	}

	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s gcsStore) Get(ctx context.Context, key string) (data []byte, err error) {
	defer decorate.OnError(&err, "could not download object %q", key)

	name, err := s.objectName(key)
	if err != nil {
		return nil, err
	}

	r, err := s.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s gcsStore) Delete(ctx context.Context, key string) (existed bool, err error) {
	defer decorate.OnError(&err, "could not delete object %q", key)

	name, err := s.objectName(key)
	if err != nil {
		return false, err
	}

	if err := s.bucket.Object(name).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s gcsStore) Close() error {
	return s.client.Close()
}

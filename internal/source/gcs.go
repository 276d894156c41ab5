package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// gcsStore reads one object with ranged reads.
type gcsStore struct {
	obj  *storage.ObjectHandle
	size int64
}

func (s *gcsStore) Size() int64 { return s.size }

func (s *gcsStore) Open(ctx context.Context, off int64) (io.ReadCloser, error) {
	r, err := s.obj.NewRangeReader(ctx, off, -1)
	if err != nil {
		return nil, fmt.Errorf("source: read gs object at %d: %w", off, err)
	}
	return r, nil
}

func (s *gcsStore) Close() error { return nil }

// clientStore closes the storage client with the store it backs.
type clientStore struct {
	byteStore
	client *storage.Client
}

func (s *clientStore) Close() error {
	return errors.Join(s.byteStore.Close(), s.client.Close())
}

// openGCS opens gs://bucket/object. An object name ending in "/" opens every
// object under that prefix in name order as one stream.
func openGCS(ctx context.Context, bucket, object string, opts Options) (Source, error) {
	if bucket == "" {
		return nil, fmt.Errorf("source: gs URI without bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: create GCS client: %w", err)
	}
	bkt := client.Bucket(bucket)

	var store byteStore
	if object == "" || strings.HasSuffix(object, "/") {
		store, err = listGCS(ctx, bkt, object)
	} else {
		store, err = statGCS(ctx, bkt.Object(object))
	}
	if err != nil {
		client.Close()
		return nil, err
	}
	store = &clientStore{byteStore: store, client: client}

	src, err := newStreamSource(ctx, store, "gs://"+bucket+"/"+object, opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	return src, nil
}

func statGCS(ctx context.Context, obj *storage.ObjectHandle) (*gcsStore, error) {
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: stat gs object %s: %w", obj.ObjectName(), err)
	}
	return &gcsStore{obj: obj, size: attrs.Size}, nil
}

func listGCS(ctx context.Context, bkt *storage.BucketHandle, prefix string) (byteStore, error) {
	it := bkt.Objects(ctx, &storage.Query{Prefix: prefix})
	var parts []byteStore
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("source: list gs prefix %q: %w", prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") || attrs.Size == 0 {
			continue
		}
		parts = append(parts, &gcsStore{obj: bkt.Object(attrs.Name), size: attrs.Size})
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("source: no objects under gs prefix %q", prefix)
	}
	// Objects are listed in lexicographic order.
	return newPartStores(parts), nil
}

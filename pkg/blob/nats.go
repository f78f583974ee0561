package blob

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ObjectStore backs a Store with a JetStream object store bucket.
type ObjectStore struct {
	obs jetstream.ObjectStore
}

// NewObjectStore opens (or creates) the named bucket.
func NewObjectStore(ctx context.Context, js jetstream.JetStream, bucket string) (*ObjectStore, error) {
	obs, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: bucket})
	if err != nil {
		return nil, err
	}
	return &ObjectStore{obs: obs}, nil
}

func (o *ObjectStore) Put(ctx context.Context, name string, data []byte) error {
	_, err := o.obs.PutBytes(ctx, name, data)
	return err
}

// PutTyped stores data with an explicit Content-Type header, which fronting
// proxies serve back as-is.
func (o *ObjectStore) PutTyped(ctx context.Context, name, contentType string, data []byte) error {
	meta := jetstream.ObjectMeta{
		Name:    name,
		Headers: nats.Header{"Content-Type": []string{contentType}},
	}
	_, err := o.obs.Put(ctx, meta, bytes.NewReader(data))
	return err
}

func (o *ObjectStore) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := o.obs.GetBytes(ctx, name)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (o *ObjectStore) List(ctx context.Context, prefix string) ([]Info, error) {
	infos, err := o.obs.List(ctx)
	if errors.Is(err, jetstream.ErrNoObjectsFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, oi := range infos {
		if oi.Deleted || !strings.HasPrefix(oi.Name, prefix) {
			continue
		}
		out = append(out, Info{Name: oi.Name, Size: int64(oi.Size)})
	}
	return out, nil
}

func (o *ObjectStore) Delete(ctx context.Context, name string) error {
	err := o.obs.Delete(ctx, name)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil
	}
	return err
}

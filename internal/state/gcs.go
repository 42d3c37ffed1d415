package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/picklr-io/fleetform/internal/ir"
)

// GCSStore keeps one object per node in a Cloud Storage bucket. Object
// generation numbers guard the compare-and-swap.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	codec  codec
}

// GCSOptions configures NewGCSStore.
type GCSOptions struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
}

func NewGCSStore(ctx context.Context, opts GCSOptions, cipher *Cipher) (*GCSStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("gcs state requires 'bucket' configuration")
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "fleetform/state/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCSStore{client: client, bucket: opts.Bucket, prefix: prefix, codec: codec{cipher: cipher}}, nil
}

func (g *GCSStore) object(id string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.prefix + url.PathEscape(id) + ".json")
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// fetch returns the record and its generation; nil and 0 when absent.
func (g *GCSStore) fetch(ctx context.Context, obj *storage.ObjectHandle) (*ir.ActualState, int64, error) {
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read gs://%s/%s: %w", g.bucket, obj.ObjectName(), err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read GCS object body: %w", err)
	}
	st, err := g.codec.decode(body)
	if err != nil {
		return nil, 0, err
	}
	return st, r.Attrs.Generation, nil
}

func (g *GCSStore) Read(ctx context.Context, id string) (*ir.ActualState, error) {
	st, _, err := g.fetch(ctx, g.object(id))
	return st, err
}

func (g *GCSStore) conflictFromStore(ctx context.Context, id string, expected int64) error {
	current, _, err := g.fetch(ctx, g.object(id))
	if err != nil {
		return err
	}
	var actual int64
	if current != nil {
		actual = current.Version
	}
	return conflict(id, expected, actual)
}

func (g *GCSStore) Write(ctx context.Context, id string, st *ir.ActualState, expectedVersion int64) (int64, error) {
	obj := g.object(id)
	prev, gen, err := g.fetch(ctx, obj)
	if err != nil {
		return 0, err
	}
	var current int64
	if prev != nil {
		current = prev.Version
	}
	if current != expectedVersion {
		return 0, conflict(id, expectedVersion, current)
	}

	next := expectedVersion + 1
	payload, err := g.codec.encode(stamp(id, st, next))
	if err != nil {
		return 0, err
	}
	cond := storage.Conditions{DoesNotExist: true}
	if prev != nil {
		cond = storage.Conditions{GenerationMatch: gen}
	}

	w := obj.If(cond).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("failed to write gs://%s/%s: %w", g.bucket, obj.ObjectName(), err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return 0, g.conflictFromStore(ctx, id, expectedVersion)
		}
		return 0, fmt.Errorf("failed to close GCS writer for %s: %w", obj.ObjectName(), err)
	}
	return next, nil
}

func (g *GCSStore) Delete(ctx context.Context, id string, expectedVersion int64) error {
	obj := g.object(id)
	prev, gen, err := g.fetch(ctx, obj)
	if err != nil {
		return err
	}
	var current int64
	if prev != nil {
		current = prev.Version
	}
	if current != expectedVersion {
		return conflict(id, expectedVersion, current)
	}
	if prev == nil {
		return nil
	}
	if err := obj.If(storage.Conditions{GenerationMatch: gen}).Delete(ctx); err != nil {
		if isPreconditionFailed(err) {
			return g.conflictFromStore(ctx, id, expectedVersion)
		}
		return fmt.Errorf("failed to delete gs://%s/%s: %w", g.bucket, obj.ObjectName(), err)
	}
	return nil
}

func (g *GCSStore) List(ctx context.Context) ([]*ir.ActualState, error) {
	var out []*ir.ActualState
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: g.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", g.bucket, g.prefix, err)
		}
		st, _, err := g.fetch(ctx, g.client.Bucket(g.bucket).Object(attrs.Name))
		if err != nil {
			return nil, err
		}
		if st != nil {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *GCSStore) Close() error { return g.client.Close() }

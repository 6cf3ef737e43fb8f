package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSBackend pins anchors to a Google Cloud Storage bucket. Objects are
// written with a does-not-exist precondition, so a pinned anchor can never
// be overwritten through this client.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewGCSBackend connects to the bucket. With an empty credentialsFile the
// client uses application default credentials.
func NewGCSBackend(ctx context.Context, bucket, prefix, credentialsFile string, logger *zap.Logger) (*GCSBackend, error) {
	if bucket == "" {
		return nil, errors.New("anchor: gcs bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GCSBackend{client: client, bucket: bucket, prefix: prefix, logger: logger}, nil
}

// Name implements Backend.
func (g *GCSBackend) Name() string { return "gcs" }

// Pin implements Backend.
func (g *GCSBackend) Pin(ctx context.Context, rec *Record) error {
	data, err := json.MarshalIndent(stripBackends(rec), "", "  ")
	if err != nil {
		return fmt.Errorf("encode anchor: %w", err)
	}

	obj := g.client.Bucket(g.bucket).Object(g.objectName(rec.BatchID))
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload anchor %s: %w", rec.BatchID, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			g.logger.Debug("anchor already pinned",
				zap.String("bucket", g.bucket),
				zap.String("object", g.objectName(rec.BatchID)),
			)
			return nil
		}
		return fmt.Errorf("finalize anchor %s: %w", rec.BatchID, err)
	}

	g.logger.Info("anchor pinned",
		zap.String("backend", g.Name()),
		zap.String("batch_id", rec.BatchID),
		zap.String("object", fmt.Sprintf("gs://%s/%s", g.bucket, g.objectName(rec.BatchID))),
	)
	return nil
}

// List implements Backend.
func (g *GCSBackend) List(ctx context.Context) ([]*Record, error) {
	query := &storage.Query{Prefix: path.Join(g.prefix, "merkle_anchor_")}
	it := g.client.Bucket(g.bucket).Objects(ctx, query)

	var out []*Record
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list anchors: %w", err)
		}
		rec, err := g.readObject(ctx, attrs.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartIndex < out[j].StartIndex })
	return out, nil
}

// Close releases the underlying client.
func (g *GCSBackend) Close() error { return g.client.Close() }

func (g *GCSBackend) objectName(batchID string) string {
	return path.Join(g.prefix, anchorFileName(batchID))
}

func (g *GCSBackend) readObject(ctx context.Context, name string) (*Record, error) {
	r, err := g.client.Bucket(g.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open anchor %s: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read anchor %s: %w", name, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode anchor %s: %w", name, err)
	}
	return &rec, nil
}

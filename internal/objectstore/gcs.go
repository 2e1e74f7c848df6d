package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/joelkehle/foodguide-autopost/internal/logger"
)

type Config struct {
	Bucket string
	// CDNDomain, when set, fronts the bucket: https://<domain>/<key>.
	CDNDomain string
	// EmulatorHost points the client at a local GCS emulator.
	EmulatorHost string
	// Credentials is a service-account JSON blob or a path to one. Empty
	// uses application default credentials.
	Credentials string
}

// GCS uploads generated covers to a Google Cloud Storage bucket.
type GCS struct {
	client     *storage.Client
	bucket     string
	cdnDomain  string
	publicBase string
	log        *logger.Logger
	openWriter func(ctx context.Context, key, contentType string) io.WriteCloser
}

func New(ctx context.Context, cfg Config, log *logger.Logger) (*GCS, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("missing env var AUTOPOST_GCS_BUCKET")
	}
	var opts []option.ClientOption
	publicBase := ""
	if host := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/"); host != "" {
		_ = os.Setenv("STORAGE_EMULATOR_HOST", host)
		opts = append(opts, option.WithoutAuthentication())
		publicBase = host
	} else {
		opts = append(opts, clientOptions(cfg.Credentials)...)
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	g := &GCS{
		client:     client,
		bucket:     cfg.Bucket,
		cdnDomain:  strings.TrimSpace(cfg.CDNDomain),
		publicBase: publicBase,
		log:        log.With("service", "ObjectStore"),
	}
	g.openWriter = g.gcsWriter
	g.log.Info("object storage initialized", "bucket", cfg.Bucket, "cdn_domain", g.cdnDomain, "emulator", publicBase != "")
	return g, nil
}

func clientOptions(creds string) []option.ClientOption {
	creds = strings.TrimSpace(creds)
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}

func (g *GCS) gcsWriter(ctx context.Context, key, contentType string) io.WriteCloser {
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=31536000, immutable"
	return w
}

func (g *GCS) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return errors.New("object key is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.openWriter(ctx, key, contentType)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	g.log.Debug("object uploaded", "key", key, "bytes", len(data))
	return nil
}

func (g *GCS) PublicURL(key string) string {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if g.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", g.cdnDomain, key)
	}
	if g.publicBase != "" {
		return fmt.Sprintf("%s/%s/%s", g.publicBase, g.bucket, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucket, key)
}

func (g *GCS) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

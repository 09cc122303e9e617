// Package gcs provides an HTML writer backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/sitecrawler/internal/compress"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/hash"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// HTMLStore writes page bodies to a GCS bucket, named by the sha256 of their
// content. It implements crawler.HTMLWriter.
type HTMLStore struct {
	client *storage.Client
	bucket string
	prefix string
	hasher crawler.Hasher
}

// New creates a GCS-backed HTML store.
func New(client *storage.Client, cfg Config) (*HTMLStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &HTMLStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		hasher: hash.NewSHA256(),
	}, nil
}

// ObjectName returns the object a body with the given digest is stored under.
func (s *HTMLStore) ObjectName(digest string, compressed bool) string {
	name := digest + ".html"
	if compressed {
		name += ".gz"
	}
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// WriteHTML uploads body and returns a gs:// URI. The upload is conditional
// on the object not existing, so stored pages are never overwritten.
func (s *HTMLStore) WriteHTML(ctx context.Context, _ string, body []byte, compressed bool) (string, error) {
	digest, err := s.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	data := body
	if compressed {
		if data, err = compress.Gzip(body); err != nil {
			return "", fmt.Errorf("compress body: %w", err)
		}
	}
	object := s.ObjectName(digest, compressed)
	uri := fmt.Sprintf("gs://%s/%s", s.bucket, object)

	writer := s.client.Bucket(s.bucket).Object(object).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)
	writer.ContentType = "text/html; charset=utf-8"
	if compressed {
		writer.ContentEncoding = "gzip"
	}
	writer.ChunkSize = 0

	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		if alreadyExists(err) {
			return uri, nil
		}
		return "", fmt.Errorf("close writer: %w", err)
	}
	return uri, nil
}

func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

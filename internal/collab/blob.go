package collab

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/privyscan/privyscan/internal/scanner"
)

// BlobRouter dispatches blob handles to a backend by URL scheme. Handles
// without a scheme fall through to the local backend.
type BlobRouter struct {
	backends map[string]scanner.BlobFetcher
	local    scanner.BlobFetcher
}

func NewBlobRouter(local scanner.BlobFetcher) *BlobRouter {
	return &BlobRouter{backends: make(map[string]scanner.BlobFetcher), local: local}
}

// Register installs a backend for one scheme (e.g. "s3").
func (r *BlobRouter) Register(scheme string, f scanner.BlobFetcher) {
	r.backends[scheme] = f
}

func (r *BlobRouter) Fetch(ctx context.Context, handle string) (io.ReadCloser, error) {
	scheme, _, found := strings.Cut(handle, "://")
	if !found {
		return r.local.Fetch(ctx, handle)
	}
	backend, ok := r.backends[scheme]
	if !ok {
		return nil, fmt.Errorf("no blob backend for scheme %q", scheme)
	}
	return backend.Fetch(ctx, handle)
}

// FileFetcher serves blobs from a local directory. Handles are relative
// paths; anything escaping the root is refused.
type FileFetcher struct {
	Root string
}

func (f *FileFetcher) Fetch(ctx context.Context, handle string) (io.ReadCloser, error) {
	handle = strings.TrimPrefix(handle, "file://")
	clean := filepath.Clean("/" + handle)
	full := filepath.Join(f.Root, clean)
	if !strings.HasPrefix(full, filepath.Clean(f.Root)+string(os.PathSeparator)) {
		return nil, fmt.Errorf("blob handle escapes storage root")
	}
	file, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	return file, nil
}

// S3Fetcher serves s3://bucket/key handles.
type S3Fetcher struct {
	Client *s3.Client
}

func (f *S3Fetcher) Fetch(ctx context.Context, handle string) (io.ReadCloser, error) {
	bucket, key, err := splitBucketHandle(handle, "s3")
	if err != nil {
		return nil, err
	}
	out, err := f.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching s3 object: %w", err)
	}
	return out.Body, nil
}

// AzureFetcher serves az://container/blob handles.
type AzureFetcher struct {
	Client *azblob.Client
}

func (f *AzureFetcher) Fetch(ctx context.Context, handle string) (io.ReadCloser, error) {
	container, blob, err := splitBucketHandle(handle, "az")
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching azure blob: %w", err)
	}
	return resp.Body, nil
}

// GCSFetcher serves gs://bucket/object handles.
type GCSFetcher struct {
	Client *storage.Client
}

func (f *GCSFetcher) Fetch(ctx context.Context, handle string) (io.ReadCloser, error) {
	bucket, object, err := splitBucketHandle(handle, "gs")
	if err != nil {
		return nil, err
	}
	reader, err := f.Client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching gcs object: %w", err)
	}
	return reader, nil
}

func splitBucketHandle(handle, scheme string) (string, string, error) {
	u, err := url.Parse(handle)
	if err != nil || u.Scheme != scheme || u.Host == "" || u.Path == "" {
		return "", "", fmt.Errorf("malformed %s blob handle", scheme)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

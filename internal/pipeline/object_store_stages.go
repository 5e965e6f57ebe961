package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/Gleato/rawthumb/internal/storage"
)

// ObjectStoreFetcher reads the RAW file from the bucket; used for jobs whose
// source was uploaded through a presigned PUT URL.
type ObjectStoreFetcher struct {
	Storage *storage.Client
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(req.ObjectKey) == "" {
		return nil, errors.New("object_key is required for object-sourced jobs")
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

// ObjectStoreEmitter writes the encoded result into the bucket and reports
// the object key as the storage identifier.
type ObjectStoreEmitter struct {
	Storage      *storage.Client
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, res Result) (string, error) {
	if e.Storage == nil {
		return "", errors.New("storage client is required")
	}

	objectKey := path.Join(
		defaultOutputPrefix(e.OutputPrefix),
		fmt.Sprintf("%s.%s", sanitizePathToken(req.JobID), res.Format),
	)

	if err := e.Storage.WriteObject(ctx, objectKey, res.Data, res.ContentType); err != nil {
		return "", err
	}
	return objectKey, nil
}

// RouteEmitter picks the destination per request: an explicit upload URL wins,
// otherwise the result lands in the object store.
type RouteEmitter struct {
	HTTP        HTTPUploadEmitter
	ObjectStore ObjectStoreEmitter
}

func (e RouteEmitter) Emit(ctx context.Context, req Request, res Result) (string, error) {
	if strings.TrimSpace(req.UploadURL) != "" {
		return e.HTTP.Emit(ctx, req, res)
	}
	return e.ObjectStore.Emit(ctx, req, res)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "thumbnails"
	}
	return prefix
}

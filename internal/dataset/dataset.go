// Package dataset manages immutable, hashed dataset versions.
//
// Every upload becomes a new version with a monotonic per-dataset number;
// existing versions are never rewritten, so a job's dataset_version_id
// always points at exactly the bytes it trained on.
package dataset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"finetuner/internal/apperrors"
	"finetuner/internal/job"
	"finetuner/internal/storage"
	"finetuner/internal/store"
)

// maxUploadBytes bounds a single dataset upload.
const maxUploadBytes = 512 * 1024 * 1024

// Versioner creates and lists dataset versions.
type Versioner struct {
	store   store.Store
	objects storage.ObjectStore
	logger  *slog.Logger
}

// NewVersioner creates a versioner over the given stores.
func NewVersioner(st store.Store, objects storage.ObjectStore) *Versioner {
	return &Versioner{
		store:   st,
		objects: objects,
		logger:  slog.With("component", "dataset"),
	}
}

// CreateVersion hashes the upload, assigns the next version number and
// persists blob and record. The blob is written before the record so a
// crash between the two leaves an orphan blob, never a dangling record.
func (v *Versioner) CreateVersion(ctx context.Context, datasetID string, r io.Reader) (*job.DatasetVersion, error) {
	if datasetID == "" {
		return nil, apperrors.Validation("dataset_id", "dataset id is required")
	}

	// Buffer the upload: it is read twice, once for the hash and once for
	// the object store.
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, maxUploadBytes+1))
	if err != nil {
		return nil, apperrors.Internal("dataset.read", err)
	}
	if n == 0 {
		return nil, apperrors.Validation("file", "dataset upload is empty")
	}
	if n > maxUploadBytes {
		return nil, apperrors.Validation("file", fmt.Sprintf("dataset exceeds maximum size of %d bytes", maxUploadBytes))
	}

	hash, err := storage.Hash(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, apperrors.Internal("dataset.hash", err)
	}

	version, err := v.store.NextDatasetVersion(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/v%d", datasetID, version)
	locator, err := v.objects.Put(ctx, key, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, apperrors.Internal("dataset.put", err)
	}

	record := &job.DatasetVersion{
		ID:        uuid.NewString(),
		DatasetID: datasetID,
		Version:   version,
		FileHash:  hash,
		Locator:   locator,
		CreatedAt: time.Now().UTC(),
	}
	if err := v.store.CreateDatasetVersion(ctx, record); err != nil {
		return nil, err
	}

	v.logger.Info("Dataset version created",
		"datasetId", datasetID, "version", version, "bytes", n, "hash", hash)
	return record, nil
}

// Versions lists versions of a dataset, newest first.
func (v *Versioner) Versions(ctx context.Context, datasetID string, limit int) ([]job.DatasetVersion, error) {
	if datasetID == "" {
		return nil, apperrors.Validation("dataset_id", "dataset id is required")
	}
	versions, err := v.store.DatasetVersions(ctx, datasetID, limit)
	if err != nil {
		return nil, err
	}
	if versions == nil {
		versions = []job.DatasetVersion{}
	}
	return versions, nil
}

// Open returns the blob of a stored version for reading.
func (v *Versioner) Open(ctx context.Context, dv *job.DatasetVersion) (io.ReadCloser, error) {
	key := fmt.Sprintf("%s/v%d", dv.DatasetID, dv.Version)
	return v.objects.Get(ctx, key)
}

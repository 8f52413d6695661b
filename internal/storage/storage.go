// Package storage persists finished artifacts and fetches job inputs.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Per-attempt upload timeout, generous for multi-hundred-MB renders.
const uploadTimeout = 180 * time.Second

// Uploader stores a local file under key and returns its public URL.
type Uploader interface {
	UploadFile(ctx context.Context, key, localPath, contentType string) (string, error)
}

// ArtifactKey is the object key for a job's output file.
func ArtifactKey(projectID, jobID uuid.UUID, ext string) string {
	return path.Join("projects", projectID.String(), "jobs", jobID.String()+ext)
}

// Supabase stores artifacts in a Supabase Storage bucket over its REST API.
type Supabase struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	log        zerolog.Logger
}

func NewSupabase(url, serviceKey, bucket string, logger zerolog.Logger) *Supabase {
	return &Supabase{
		url:        url,
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: logger.With().Str("component", "storage").Str("backend", "supabase").Logger(),
	}
}

// Upload PUTs data with x-upsert so a retried job overwrites its own
// earlier artifact.
func (s *Supabase) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)
	log := s.log.With().Str("key", key).Logger()

	return withRetry(ctx, log, "upload", func(ctx context.Context) (bool, error) {
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(uploadCtx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			return false, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.ContentLength = int64(len(data))
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			return isRetryableError(err), fmt.Errorf("failed to upload: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return false, nil
		}
		return isRetryableStatus(resp.StatusCode),
			fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	})
}

func (s *Supabase) UploadFile(ctx context.Context, key, localPath, contentType string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", localPath, err)
	}
	if err := s.Upload(ctx, key, data, contentType); err != nil {
		return "", err
	}
	s.log.Info().Str("key", key).Int("bytes", len(data)).Msg("artifact uploaded")
	return s.PublicURL(key), nil
}

func (s *Supabase) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, key)
}

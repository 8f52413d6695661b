package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bobarin/reelforge/internal/failure"
	"github.com/rs/zerolog"
)

const (
	downloadTimeout = 120 * time.Second

	// maxInlineBytes bounds inputs read fully into memory (reference images).
	maxInlineBytes = 32 << 20
)

// Fetcher retrieves job inputs from http(s) URLs or local paths.
type Fetcher struct {
	client *http.Client
	log    zerolog.Logger
}

func NewFetcher(logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: logger.With().Str("component", "fetcher").Logger(),
	}
}

func isRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// Fetch writes src to dst. Sources that do not exist are invalid; network
// trouble that outlasts the retries is transient.
func (f *Fetcher) Fetch(ctx context.Context, src, dst string) error {
	if !isRemote(src) {
		return copyLocal(strings.TrimPrefix(src, "file://"), dst)
	}

	return f.get(ctx, src, func(body io.Reader) error {
		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, body); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

// FetchBytes reads a small input such as a reference image into memory and
// reports its MIME type.
func (f *Fetcher) FetchBytes(ctx context.Context, src string) ([]byte, string, error) {
	var data []byte
	var err error
	if isRemote(src) {
		err = f.get(ctx, src, func(body io.Reader) error {
			var readErr error
			data, readErr = io.ReadAll(io.LimitReader(body, maxInlineBytes+1))
			return readErr
		})
	} else {
		data, err = os.ReadFile(strings.TrimPrefix(src, "file://"))
		if errors.Is(err, os.ErrNotExist) {
			err = failure.Invalid(err, "input not found")
		}
	}
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxInlineBytes {
		return nil, "", failure.Newf(failure.KindInvalid, "input larger than %d bytes", maxInlineBytes)
	}
	return data, http.DetectContentType(data), nil
}

func (f *Fetcher) get(ctx context.Context, url string, consume func(io.Reader) error) error {
	log := f.log.With().Str("url", truncate(url, 120)).Logger()

	err := withRetry(ctx, log, "download", func(ctx context.Context) (bool, error) {
		dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
		if err != nil {
			return false, failure.Invalid(err, "bad input url")
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return isRetryableError(err), fmt.Errorf("failed to download: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
			if isRetryableStatus(resp.StatusCode) {
				return true, err
			}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return false, failure.Invalid(err, "input unavailable")
			}
			return false, err
		}

		if err := consume(resp.Body); err != nil {
			return true, fmt.Errorf("failed to read download body: %w", err)
		}
		return false, nil
	})
	if err != nil && failure.KindOf(err) != failure.KindInvalid {
		return failure.Transient(err, "input download failed")
	}
	return err
}

func copyLocal(src, dst string) error {
	in, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return failure.Invalid(err, "input not found")
	}
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Package fetcher downloads report artifacts to disk, streaming through a
// sha256 hash so every file carries a verifiable checksum.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/internal/resilience"
)

// Options configures the Downloader.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	Retry     resilience.RetryConfig
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Downloader fetches artifacts over HTTP. Redirects are followed; transient
// failures retry with backoff; HTTP 4xx is terminal.
type Downloader struct {
	http      *http.Client
	userAgent string
	retry     resilience.RetryConfig
}

// NewDownloader creates a Downloader from options, filling defaults.
func NewDownloader(opts Options) *Downloader {
	if opts.UserAgent == "" {
		opts.UserAgent = "fundreports/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DownloadRetryConfig()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Downloader{
		http:      httpClient,
		userAgent: opts.UserAgent,
		retry:     opts.Retry,
	}
}

// DownloadToFile fetches rawURL into path, creating parent directories as
// needed. If the destination already exists it is hashed and reused instead of
// re-downloaded, making re-runs idempotent.
func (d *Downloader) DownloadToFile(ctx context.Context, rawURL, path string) (*model.ArtifactRecord, error) {
	if rec, ok := d.reuseExisting(rawURL, path); ok {
		return rec, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, model.WrapKind(model.ErrKindIO, eris.Wrapf(err, "fetcher: create dir for %s", path))
	}

	rec, err := resilience.DoVal(ctx, d.retry, func(ctx context.Context) (*model.ArtifactRecord, error) {
		return d.fetchOnce(ctx, rawURL, path)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("artifact downloaded",
		zap.String("url", rawURL),
		zap.String("path", path),
		zap.Int64("bytes", rec.Bytes),
		zap.String("sha256", rec.SHA256),
	)
	return rec, nil
}

// reuseExisting returns a record for an already-downloaded artifact. Empty
// files are treated as absent so an interrupted run can recover.
func (d *Downloader) reuseExisting(rawURL, path string) (*model.ArtifactRecord, bool) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, false
	}

	sum, err := hashFile(path)
	if err != nil {
		return nil, false
	}

	zap.L().Debug("artifact already present, skipping download",
		zap.String("path", path),
		zap.Int64("bytes", info.Size()),
	)
	return &model.ArtifactRecord{
		URL:       rawURL,
		FilePath:  path,
		Bytes:     info.Size(),
		SHA256:    sum,
		FetchedAt: info.ModTime().UTC(),
	}, true
}

func (d *Downloader) fetchOnce(ctx context.Context, rawURL, path string) (*model.ArtifactRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.WrapKind(model.ErrKindValidation, eris.Wrapf(err, "fetcher: create request for %s", rawURL))
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, model.WrapKind(transportKind(err), eris.Wrapf(err, "fetcher: get %s", rawURL))
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := model.WrapKind(model.ErrKindHTTP, eris.Errorf("fetcher: http %d from %s", resp.StatusCode, rawURL))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	rec, err := writeStream(resp.Body, rawURL, path)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// writeStream copies body to a temp file next to path, hashing as it goes,
// then renames into place so readers never see a partial artifact.
func writeStream(body io.Reader, rawURL, path string) (*model.ArtifactRecord, error) {
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, model.WrapKind(model.ErrKindIO, eris.Wrapf(err, "fetcher: create %s", tmp))
	}

	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(f, h), body)
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(tmp)
		return nil, model.WrapKind(transportKind(copyErr), eris.Wrapf(copyErr, "fetcher: stream %s", rawURL))
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return nil, model.WrapKind(model.ErrKindIO, eris.Wrapf(closeErr, "fetcher: close %s", tmp))
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, model.WrapKind(model.ErrKindIO, eris.Wrapf(err, "fetcher: rename %s", tmp))
	}

	return &model.ArtifactRecord{
		URL:       rawURL,
		FilePath:  path,
		Bytes:     n,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		FetchedAt: time.Now().UTC(),
	}, nil
}

// transportKind classifies a transport-level failure: deadline and net
// timeouts are TIMEOUT, cancellation is CANCELLED, everything else NETWORK.
func transportKind(err error) model.ErrorKind {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.ErrKindTimeout
	case errors.Is(err, context.Canceled):
		return model.ErrKindCancelled
	case errors.As(err, &netErr) && netErr.Timeout():
		return model.ErrKindTimeout
	default:
		return model.ErrKindNetwork
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

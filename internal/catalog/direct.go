package catalog

import (
	"context"
	"crypto/sha1" //nolint:gosec // the asset host addresses images by SHA-1
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crypko-downloader/internal/download"
	"github.com/JakeFAU/crypko-downloader/internal/metrics"
)

// ErrNotAddressable means the entry lacks the fields needed to build the
// artifact URL.
var ErrNotAddressable = errors.New("entry has no noise/attrs")

const hashSalt = "asdasd3edwasd"

// ArtifactHash derives the asset name of a card from its noise and attrs.
func ArtifactHash(noise, attrs string) string {
	sum := sha1.Sum([]byte(noise + hashSalt + attrs)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// DirectConfig holds the fmt templates of the asset endpoints.
type DirectConfig struct {
	// ImageURL takes the artifact hash.
	ImageURL string
	// DetailURL takes the card id.
	DetailURL string
}

// DirectFetcher downloads an artifact and its detail document over plain HTTP.
type DirectFetcher struct {
	cfg    DirectConfig
	client *Client
	sink   download.Sink
	policy *FixedRetryPolicy
	sleep  Sleeper
	logger *zap.Logger
}

// NewDirectFetcher builds a DirectFetcher. A nil sleep uses Sleep.
func NewDirectFetcher(
	cfg DirectConfig,
	client *Client,
	sink download.Sink,
	policy *FixedRetryPolicy,
	sleep Sleeper,
	logger *zap.Logger,
) *DirectFetcher {
	if cfg.ImageURL == "" {
		cfg.ImageURL = "https://img.crypko.ai/daisy/%s_lg.jpg"
	}
	if cfg.DetailURL == "" {
		cfg.DetailURL = "https://api.crypko.ai/crypkos/%s/detail"
	}
	if policy == nil {
		policy = NewFixedRetryPolicy(0, -1)
	}
	if sleep == nil {
		sleep = Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectFetcher{cfg: cfg, client: client, sink: sink, policy: policy, sleep: sleep, logger: logger}
}

// Fetch stores the artifact of entry at target.OutputPath and, when
// target.MetadataPath is set, the detail document after a rate-limit pause.
func (d *DirectFetcher) Fetch(ctx context.Context, entry Entry, target download.Target) error {
	if entry.Noise == "" || entry.Attrs == "" {
		metrics.ObserveDirect("unaddressable")
		return ErrNotAddressable
	}
	imageURL := fmt.Sprintf(d.cfg.ImageURL, ArtifactHash(entry.Noise, entry.Attrs))
	if err := d.fetchTo(ctx, imageURL, target.OutputPath); err != nil {
		metrics.ObserveDirect("failed")
		return fmt.Errorf("artifact: %w", err)
	}

	if target.MetadataPath != "" {
		if err := d.sleep(ctx, d.policy.Backoff()); err != nil {
			return err
		}
		detailURL := fmt.Sprintf(d.cfg.DetailURL, target.ID)
		if err := d.fetchTo(ctx, detailURL, target.MetadataPath); err != nil {
			metrics.ObserveDirect("failed")
			return fmt.Errorf("metadata: %w", err)
		}
	}
	metrics.ObserveDirect("ok")
	return nil
}

func (d *DirectFetcher) fetchTo(ctx context.Context, url, path string) error {
	var lastErr error
	for attempt := 1; attempt <= d.policy.MaxAttempts(); attempt++ {
		body, err := d.client.Get(ctx, url)
		if err == nil {
			if err := d.sink.Save(ctx, path, body); err != nil {
				return fmt.Errorf("save %s: %w", path, err)
			}
			d.logger.Info("saved", zap.String("url", url), zap.String("path", path), zap.Int("bytes", len(body)))
			return nil
		}
		lastErr = err
		if !d.policy.ShouldRetry(err, attempt) {
			break
		}
		d.logger.Warn("direct download failed; retrying", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
		if err := d.sleep(ctx, d.policy.Backoff()); err != nil {
			return err
		}
	}
	return lastErr
}

package renewal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"iptv-player/work/client"
	"iptv-player/work/config"
	"iptv-player/work/logger"
	"iptv-player/work/metrics"
	"iptv-player/work/utils"
)

// Result is a renewed stream URL with its expiry. ExpiresAt is zero when the
// renewal endpoint reports no expiry, in which case the caller falls back to
// interval-based renewal.
type Result struct {
	URL       string
	ExpiresAt time.Time
}

// Renewer exchanges an original catalog URL for a fresh signed URL.
type Renewer interface {
	Renew(ctx context.Context, originalURL string) (*Result, error)
}

// HTTPRenewer renews signed URLs against the configured renewal endpoint.
// The endpoint takes the original URL as a query parameter and answers with
// a JSON body carrying the fresh URL and optional expiry.
type HTTPRenewer struct {
	config     *config.Config
	httpClient *client.HeaderSettingClient
}

// New creates a renewer against the configured endpoint. Returns nil when no
// endpoint is configured; the caller treats a nil renewer as "renewal not
// available" and plays original URLs directly.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient) *HTTPRenewer {
	if cfg.RenewalEndpoint == "" {
		return nil
	}
	return &HTTPRenewer{config: cfg, httpClient: httpClient}
}

// Renew requests a fresh signed URL for the given original URL.
func (r *HTTPRenewer) Renew(ctx context.Context, originalURL string) (*Result, error) {
	endpoint := fmt.Sprintf("%s?url=%s", r.config.RenewalEndpoint, url.QueryEscape(originalURL))

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		metrics.RenewalAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("renewal request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RenewalAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("renewal endpoint returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		metrics.RenewalAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("reading renewal response: %w", err)
	}

	var payload struct {
		URL       string `json:"url"`
		ExpiresAt int64  `json:"expires_at"` // unix seconds, 0 when unknown
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.RenewalAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("parsing renewal response: %w", err)
	}
	if payload.URL == "" {
		metrics.RenewalAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("renewal endpoint returned no URL")
	}

	result := &Result{URL: payload.URL}
	if payload.ExpiresAt > 0 {
		result.ExpiresAt = time.Unix(payload.ExpiresAt, 0)
	}

	metrics.RenewalAttempts.WithLabelValues("success").Inc()
	logger.Debug("{renewal - Renew} Renewed URL for %s (expires: %v)",
		utils.LogURL(r.config, originalURL), result.ExpiresAt)
	return result, nil
}

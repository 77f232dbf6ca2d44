package client

import (
	"net/http"
	"time"

	"iptv-player/work/config"
)

// HeaderSettingClient wraps http.Client to automatically inject the
// configured User-Agent, Origin and Referer headers on every upstream
// request. Some providers validate these headers, and the playback engine
// talks to the same upstreams from several packages (prober, catalog, engine
// adapters), so the injection lives in one place.
type HeaderSettingClient struct {
	Client *http.Client
	config *config.Config
}

// New creates a HeaderSettingClient with a transport tuned for many short
// manifest/segment fetches. There is no overall client timeout: long segment
// downloads are bounded per-request by caller contexts instead.
func New(cfg *config.Config) *HeaderSettingClient {
	c := &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &HeaderSettingClient{
		Client: c,
		config: cfg,
	}
}

// Do sets the configured headers and executes the request.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.config.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if hsc.config.ReqOrigin != "" {
		req.Header.Set("Origin", hsc.config.ReqOrigin)
	}
	if hsc.config.ReqReferrer != "" {
		req.Header.Set("Referer", hsc.config.ReqReferrer)
	}
}

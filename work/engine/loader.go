package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"iptv-player/work/client"
	"iptv-player/work/logger"
)

// Loader fetches engine runtime bundles from their versioned locations.
// Each runtime URL is fetched at most once per process: concurrent engine
// starts against the same runtime coalesce onto a single in-flight fetch,
// and the result (success or failure) is kept for the lifetime of the
// process. A failed fetch is not retried; restarting the process is the
// recovery path for a broken runtime location.
type Loader struct {
	httpClient *client.HeaderSettingClient
	loads      *xsync.MapOf[string, *runtimeLoad]
}

type runtimeLoad struct {
	once sync.Once
	size int
	err  error
}

// NewLoader creates a runtime loader over the shared HTTP client.
func NewLoader(httpClient *client.HeaderSettingClient) *Loader {
	return &Loader{
		httpClient: httpClient,
		loads:      xsync.NewMapOf[string, *runtimeLoad](),
	}
}

// Load ensures the runtime at the given URL is available, fetching it on
// first use. Safe for concurrent callers; all callers observe the outcome of
// the single fetch.
func (l *Loader) Load(ctx context.Context, runtimeURL string) error {
	if runtimeURL == "" {
		return fmt.Errorf("no runtime URL configured")
	}

	load, _ := l.loads.LoadOrCompute(runtimeURL, func() *runtimeLoad {
		return &runtimeLoad{}
	})

	load.once.Do(func() {
		load.size, load.err = l.fetch(ctx, runtimeURL)
		if load.err != nil {
			logger.Error("{engine - Load} Runtime fetch failed for %s: %v", runtimeURL, load.err)
		} else {
			logger.Debug("{engine - Load} Runtime loaded from %s (%d bytes)", runtimeURL, load.size)
		}
	})

	return load.err
}

func (l *Loader) fetch(ctx context.Context, runtimeURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, runtimeURL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching runtime: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("runtime fetch returned HTTP %d", resp.StatusCode)
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("reading runtime body: %w", err)
	}
	return int(n), nil
}

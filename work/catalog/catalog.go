package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grafana/regexp"

	"iptv-player/work/cache"
	"iptv-player/work/client"
	"iptv-player/work/config"
	"iptv-player/work/filter"
	"iptv-player/work/logger"
	"iptv-player/work/metrics"
	"iptv-player/work/types"
	"iptv-player/work/utils"
)

// attrRegex matches KEY="value" and KEY=value pairs inside an EXTINF line.
var attrRegex = regexp.MustCompile(`([A-Za-z0-9-]+)=("[^"]*"|[^\s,]+)`)

// Catalog is the external channel catalog provider. It fetches the channel
// list from an M3U8 playlist or a JSON document, applies the configured
// filters, and serves ordered read-only access for the control surface and
// the previous/next navigation hooks. The playback engine never writes to
// the catalog.
type Catalog struct {
	config     *config.Config
	httpClient *client.HeaderSettingClient
	cache      *cache.Cache
	filter     *filter.Filter

	mu       sync.RWMutex
	ordered  []*types.Channel          // channels in catalog order
	byID     map[string]*types.Channel // channels keyed by id
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a Catalog against the configured source.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, cacheInstance *cache.Cache) *Catalog {
	return &Catalog{
		config:     cfg,
		httpClient: httpClient,
		cache:      cacheInstance,
		filter:     filter.New(cfg),
		byID:       make(map[string]*types.Channel),
		stopChan:   make(chan struct{}),
	}
}

// Refresh fetches and replaces the channel list. A fetch failure keeps the
// previous list so a flaky catalog source cannot wipe an otherwise working
// installation.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c.config.CatalogURL == "" {
		logger.Warn("{catalog - Refresh} No catalog URL configured, catalog stays empty")
		return nil
	}

	channels, err := c.fetch(ctx)
	if err != nil {
		return fmt.Errorf("catalog refresh: %w", err)
	}

	channels = c.filter.Apply(channels)

	valid := make([]*types.Channel, 0, len(channels))
	for _, ch := range channels {
		if err := ch.Validate(); err != nil {
			logger.Warn("{catalog - Refresh} Skipping invalid channel: %v", err)
			continue
		}
		valid = append(valid, ch)
	}

	c.mu.Lock()
	c.ordered = valid
	c.byID = make(map[string]*types.Channel, len(valid))
	for _, ch := range valid {
		c.byID[ch.ID] = ch
	}
	c.mu.Unlock()

	metrics.CatalogChannels.Set(float64(len(valid)))
	logger.Info("{catalog - Refresh} Catalog loaded: %d channels", len(valid))
	return nil
}

// fetch retrieves and parses the catalog document, serving from cache within
// the cache TTL.
func (c *Catalog) fetch(ctx context.Context) ([]*types.Channel, error) {
	if cached, ok := c.cache.GetCatalog(c.config.CatalogURL); ok {
		logger.Debug("{catalog - fetch} Serving catalog from cache")
		return cached, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, c.config.CatalogURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from catalog source", resp.StatusCode)
	}

	var channels []*types.Channel
	if c.config.CatalogFormat == "json" {
		channels, err = ParseJSON(resp.Body)
	} else {
		channels, err = ParseM3U8(resp.Body)
	}
	if err != nil {
		return nil, err
	}

	c.cache.SetCatalog(c.config.CatalogURL, channels)
	return channels, nil
}

// ForceRefresh bypasses the catalog cache and re-fetches from the source.
func (c *Catalog) ForceRefresh(ctx context.Context) error {
	c.cache.InvalidateCatalog(c.config.CatalogURL)
	return c.Refresh(ctx)
}

// StartRefresh runs periodic catalog refresh at the configured interval.
// Blocking; launch in its own goroutine. Terminates when Stop is called.
func (c *Catalog) StartRefresh() {
	logger.Debug("{catalog - StartRefresh} Refresh loop started (interval: %s)", c.config.CatalogRefreshInterval)

	ticker := time.NewTicker(c.config.CatalogRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			logger.Debug("{catalog - StartRefresh} Refresh loop stopped")
			return
		case <-ticker.C:
			if err := c.Refresh(context.Background()); err != nil {
				logger.Error("{catalog - StartRefresh} Scheduled refresh failed: %v", err)
			}
		}
	}
}

// Stop terminates the refresh loop. Safe to call more than once.
func (c *Catalog) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// List returns a snapshot of all channels in catalog order.
func (c *Catalog) List() []*types.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Channel, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Get returns the channel with the given id.
func (c *Catalog) Get(id string) (*types.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.byID[id]
	return ch, ok
}

// Next returns the channel after the given id in catalog order, wrapping
// around at the end. Used by the skip-forward navigation hook.
func (c *Catalog) Next(id string) (*types.Channel, bool) {
	return c.neighbor(id, 1)
}

// Prev returns the channel before the given id in catalog order, wrapping
// around at the start.
func (c *Catalog) Prev(id string) (*types.Channel, bool) {
	return c.neighbor(id, -1)
}

func (c *Catalog) neighbor(id string, step int) (*types.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.ordered) == 0 {
		return nil, false
	}
	for i, ch := range c.ordered {
		if ch.ID == id {
			idx := (i + step + len(c.ordered)) % len(c.ordered)
			return c.ordered[idx], true
		}
	}
	// unknown id: land on the first channel rather than failing navigation
	return c.ordered[0], true
}

// ParseM3U8 parses an extended M3U playlist into channel descriptors. Each
// #EXTINF line contributes the display name and attributes; the following
// non-comment line is the stream URL. The channel id comes from tvg-id,
// falling back to a slug of the name.
func ParseM3U8(r io.Reader) ([]*types.Channel, error) {
	var channels []*types.Channel
	var currentAttrs map[string]string
	var currentName string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "#EXTINF:") {
			currentAttrs, currentName = parseEXTINF(line)
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if currentAttrs == nil {
			// bare URL with no preceding EXTINF; not a channel entry
			continue
		}

		ch := &types.Channel{
			Name:       currentName,
			URL:        line,
			Attributes: currentAttrs,
		}
		if ch.Name == "" {
			ch.Name = "Unknown"
		}
		if id, ok := currentAttrs["tvg-id"]; ok && id != "" {
			ch.ID = id
		} else {
			ch.ID = slugify(ch.Name)
		}
		if poster, ok := currentAttrs["tvg-logo"]; ok {
			ch.PosterURL = poster
		}
		ch.StreamType = declaredType(currentAttrs["stream-type"], line)

		channels = append(channels, ch)
		currentAttrs = nil
		currentName = ""
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning catalog playlist: %w", err)
	}
	return channels, nil
}

// ParseJSON parses a JSON catalog document: either a bare array of channels
// or an object with a "channels" array.
func ParseJSON(r io.Reader) ([]*types.Channel, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var channels []*types.Channel
	if err := json.Unmarshal(data, &channels); err == nil {
		return fillDefaults(channels), nil
	}

	var wrapper struct {
		Channels []*types.Channel `json:"channels"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parsing catalog JSON: %w", err)
	}
	return fillDefaults(wrapper.Channels), nil
}

func fillDefaults(channels []*types.Channel) []*types.Channel {
	for _, ch := range channels {
		if ch.ID == "" {
			ch.ID = slugify(ch.Name)
		}
		if ch.StreamType == "" {
			ch.StreamType = declaredType("", ch.URL)
		}
	}
	return channels
}

// parseEXTINF splits an EXTINF line into its attribute map and the display
// name after the last unquoted comma.
func parseEXTINF(line string) (map[string]string, string) {
	attrs := make(map[string]string)
	line = strings.TrimPrefix(line, "#EXTINF:")

	lastComma := -1
	inQuotes := false
	for i := len(line) - 1; i >= 0; i-- {
		if line[i] == '"' {
			inQuotes = !inQuotes
		} else if line[i] == ',' && !inQuotes {
			lastComma = i
			break
		}
	}

	attrPart := line
	name := ""
	if lastComma >= 0 {
		attrPart = line[:lastComma]
		name = strings.TrimSpace(line[lastComma+1:])
	}

	for _, match := range attrRegex.FindAllStringSubmatch(attrPart, -1) {
		if len(match) >= 3 {
			attrs[match[1]] = strings.Trim(match[2], "\"")
		}
	}

	return attrs, name
}

// declaredType maps an explicit stream-type attribute, or failing that the
// URL shape, onto a declared stream type.
func declaredType(explicit, url string) types.StreamType {
	switch strings.ToLower(explicit) {
	case "hls":
		return types.StreamTypeHLS
	case "m3u8":
		return types.StreamTypeM3U8
	case "mp4":
		return types.StreamTypeMP4
	case "mpd", "dash":
		return types.StreamTypeMPD
	case "drm":
		return types.StreamTypeDRM
	case "youtube":
		return types.StreamTypeYouTube
	case "ts":
		return types.StreamTypeTS
	}

	switch {
	case strings.Contains(url, "youtube.com/") || strings.Contains(url, "youtu.be/"):
		return types.StreamTypeYouTube
	case utils.HasPathSuffix(url, ".mpd"):
		return types.StreamTypeMPD
	case utils.HasPathSuffix(url, ".mp4"):
		return types.StreamTypeMP4
	case utils.HasPathSuffix(url, ".ts"):
		return types.StreamTypeTS
	default:
		return types.StreamTypeM3U8
	}
}

// slugify builds a URL-safe channel id from a display name.
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '_', r == '-', r == '.':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

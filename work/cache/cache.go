package cache

import (
	"time"

	"github.com/maypok86/otter/v2"

	"iptv-player/work/types"
)

// Cache holds short-lived fetch results: the parsed channel catalog and raw
// manifest bodies pulled during probing and manifest polling. Entries expire
// on a write TTL so a stale catalog or rotated manifest never outlives the
// configured cache duration.
type Cache struct {
	manifests *otter.Cache[string, string]           // raw manifest/playlist bodies keyed by URL
	catalogs  *otter.Cache[string, []*types.Channel] // parsed catalogs keyed by source URL
}

// New creates a Cache whose entries expire duration after being written.
func New(duration time.Duration) *Cache {
	return &Cache{
		manifests: otter.Must(&otter.Options[string, string]{
			MaximumSize:      2048,
			ExpiryCalculator: otter.ExpiryWriting[string, string](duration),
		}),
		catalogs: otter.Must(&otter.Options[string, []*types.Channel]{
			MaximumSize:      16,
			ExpiryCalculator: otter.ExpiryWriting[string, []*types.Channel](duration),
		}),
	}
}

// GetManifest returns a cached manifest body for the URL, if present and
// unexpired.
func (c *Cache) GetManifest(url string) (string, bool) {
	return c.manifests.GetIfPresent(url)
}

// SetManifest stores a manifest body for the URL.
func (c *Cache) SetManifest(url, body string) {
	c.manifests.Set(url, body)
}

// GetCatalog returns the cached parsed catalog for a source URL.
func (c *Cache) GetCatalog(url string) ([]*types.Channel, bool) {
	return c.catalogs.GetIfPresent(url)
}

// SetCatalog stores a parsed catalog for a source URL.
func (c *Cache) SetCatalog(url string, channels []*types.Channel) {
	c.catalogs.Set(url, channels)
}

// InvalidateCatalog drops the cached catalog for a source URL so the next
// fetch goes upstream. Used by the forced refresh endpoint.
func (c *Cache) InvalidateCatalog(url string) {
	c.catalogs.Invalidate(url)
}

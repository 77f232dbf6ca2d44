package filter

import (
	"sync"

	"github.com/grafana/regexp"

	"iptv-player/work/config"
	"iptv-player/work/logger"
	"iptv-player/work/types"
)

// Filter applies the configured include/exclude rules to catalog channels.
// Patterns match against the channel name and its group attribute. Invalid
// patterns are logged once and treated as absent rather than failing the
// catalog load.
type Filter struct {
	include *regexp.Regexp
	exclude *regexp.Regexp
	once    sync.Once
	cfg     *config.Config
}

// New creates a Filter for the configured catalog rules. Compilation is
// deferred to first use.
func New(cfg *config.Config) *Filter {
	return &Filter{cfg: cfg}
}

func (f *Filter) compile() {
	if f.cfg.CatalogIncludeRegex != "" {
		compiled, err := regexp.Compile(f.cfg.CatalogIncludeRegex)
		if err != nil {
			logger.Error("{filter - compile} Invalid catalogIncludeRegex %q: %v", f.cfg.CatalogIncludeRegex, err)
		} else {
			f.include = compiled
		}
	}
	if f.cfg.CatalogExcludeRegex != "" {
		compiled, err := regexp.Compile(f.cfg.CatalogExcludeRegex)
		if err != nil {
			logger.Error("{filter - compile} Invalid catalogExcludeRegex %q: %v", f.cfg.CatalogExcludeRegex, err)
		} else {
			f.exclude = compiled
		}
	}
}

// Apply returns the channels that pass the include/exclude rules. With no
// rules configured the input is returned unchanged.
func (f *Filter) Apply(channels []*types.Channel) []*types.Channel {
	f.once.Do(f.compile)

	if f.include == nil && f.exclude == nil {
		return channels
	}

	kept := make([]*types.Channel, 0, len(channels))
	for _, ch := range channels {
		if f.matches(ch) {
			kept = append(kept, ch)
		}
	}

	if len(kept) != len(channels) {
		logger.Debug("{filter - Apply} Filtered %d channels down to %d", len(channels), len(kept))
	}
	return kept
}

func (f *Filter) matches(ch *types.Channel) bool {
	subject := ch.Name
	if group, ok := ch.Attributes["group-title"]; ok && group != "" {
		subject += " " + group
	}

	if f.exclude != nil && f.exclude.MatchString(subject) {
		return false
	}
	if f.include != nil && !f.include.MatchString(subject) {
		return false
	}
	return true
}

package types

import (
	"fmt"
)

// StreamType is the stream format a channel declares in the catalog. The
// declared type is advisory only: the prober may reclassify the content at
// load time, and engine selection always considers both the declared type
// and the probe result.
type StreamType string

// Declared stream types as carried by the channel catalog. "hls" and "m3u8"
// both mean a segmented playlist; "drm" is an adaptive manifest with key
// material attached; "youtube" channels are rendered as an external embed and
// never enter the playback state machine.
const (
	StreamTypeHLS     StreamType = "hls"     // segmented playlist, declared explicitly
	StreamTypeM3U8    StreamType = "m3u8"    // segmented playlist, declared by extension
	StreamTypeMP4     StreamType = "mp4"     // progressive file
	StreamTypeMPD     StreamType = "mpd"     // adaptive manifest (DASH)
	StreamTypeDRM     StreamType = "drm"     // adaptive manifest with DRM key material
	StreamTypeYouTube StreamType = "youtube" // embedded video id, out of engine scope
	StreamTypeTS      StreamType = "ts"      // raw transport stream
)

// IsSegmented reports whether the declared type is one of the segmented
// playlist variants accepted by the embedded and HLS adapters.
func (t StreamType) IsSegmented() bool {
	return t == StreamTypeHLS || t == StreamTypeM3U8
}

// IsAdaptive reports whether the declared type maps to the DASH adapter.
func (t StreamType) IsAdaptive() bool {
	return t == StreamTypeMPD || t == StreamTypeDRM
}

// Channel is a single catalog entry. The playback engine only ever reads
// channels; all catalog mutation happens in the external catalog provider.
//
// Invariant: URL must be non-empty for every stream type except
// StreamTypeYouTube, where the embedded video id in EmbedID stands in for
// the stream location.
type Channel struct {
	ID         string            `json:"id"`                    // unique channel identifier, used as the resume store key
	Name       string            `json:"name"`                  // human-readable display name
	StreamType StreamType        `json:"stream_type"`           // declared stream format
	URL        string            `json:"stream_url"`            // stream location, possibly a signed URL
	EmbedID    string            `json:"embed_id,omitempty"`    // external embed video id for youtube channels
	DRMKeyID   string            `json:"drm_key_id,omitempty"`  // ClearKey content-key identifier
	DRMKey     string            `json:"drm_key,omitempty"`     // ClearKey content key
	LicenseURL string            `json:"license_url,omitempty"` // license-server URL for key-exchange DRM
	PosterURL  string            `json:"poster_url,omitempty"`  // optional poster image
	Attributes map[string]string `json:"attributes,omitempty"`  // raw EXTINF attributes from M3U8 catalogs
}

// Validate checks the channel descriptor invariants before it is handed to
// the playback orchestrator.
func (c *Channel) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("channel has no id")
	}
	if c.StreamType == StreamTypeYouTube {
		if c.EmbedID == "" && c.URL == "" {
			return fmt.Errorf("channel %s: youtube channel has neither embed id nor url", c.ID)
		}
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("channel %s: empty stream url", c.ID)
	}
	return nil
}

// HasClearKey reports whether both halves of a ClearKey pair are present.
// Only then is content-key decryption configured; a key id without a key is
// treated as absent key material.
func (c *Channel) HasClearKey() bool {
	return c.DRMKeyID != "" && c.DRMKey != ""
}

// HasDRM reports whether the channel carries any DRM key material, either a
// ClearKey pair or a license-server URL.
func (c *Channel) HasDRM() bool {
	return c.HasClearKey() || c.LicenseURL != ""
}

// ProbeResult is the classification produced by the stream prober. It is
// derived per load attempt and never persisted.
type ProbeResult int

const (
	ProbeIndeterminate    ProbeResult = iota // probe failed or content unrecognized; try generic fallback path
	ProbePlainSegmented                      // media playlist with only TS segment entries
	ProbeMultiVariant                        // master playlist with stream-selection directives
	ProbeAdaptiveManifest                    // DASH manifest
	ProbeProgressive                         // progressive media file
)

// String returns the lowercase label used in logs and metrics.
func (p ProbeResult) String() string {
	switch p {
	case ProbePlainSegmented:
		return "plain_segmented"
	case ProbeMultiVariant:
		return "multi_variant"
	case ProbeAdaptiveManifest:
		return "adaptive_manifest"
	case ProbeProgressive:
		return "progressive"
	default:
		return "indeterminate"
	}
}

// EngineID identifies one of the mutually exclusive playback engines. At most
// one engine is active per session.
type EngineID string

const (
	EngineEmbedded EngineID = "embedded" // third-party embedded player runtime
	EngineHLS      EngineID = "hls"      // segmented-streaming engine
	EngineDASH     EngineID = "dash"     // DRM/adaptive-manifest engine
	EngineNative   EngineID = "native"   // direct playback on the native surface
)

// AdapterState tracks per-session engine usability. The state is scoped to a
// single playback session so a failure never leaks into the next channel.
type AdapterState int

const (
	AdapterUntried AdapterState = iota // not yet attempted this session
	AdapterActive                      // currently holds the playback surface
	AdapterFailed                      // failed this session, skipped for the remainder
)

// PlayerState is the orchestrator state machine position.
type PlayerState int

const (
	StateIdle      PlayerState = iota // no channel selected
	StateProbing                      // classification request in flight
	StateSelecting                    // mapping classification to a candidate list
	StateStarting                     // attempting candidates in order
	StatePlaying                      // active engine reported playback
	StateBuffering                    // active engine stalled, waiting for data
	StateError                        // all candidates exhausted or terminal runtime error
	StateExternal                     // youtube channel rendered as an external embed
)

// String returns the lowercase state label for logs and the status API.
func (s PlayerState) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateSelecting:
		return "selecting"
	case StateStarting:
		return "starting"
	case StatePlaying:
		return "playing"
	case StateBuffering:
		return "buffering"
	case StateError:
		return "error"
	case StateExternal:
		return "external"
	default:
		return "idle"
	}
}

// Quality describes one selectable quality level exposed by the active
// engine. Levels are deduplicated by vertical resolution before being
// reported to the control surface.
type Quality struct {
	Index     int    `json:"index"`     // engine-internal level index
	Height    int    `json:"height"`    // vertical resolution in pixels, 0 when unknown
	Bandwidth int    `json:"bandwidth"` // peak bandwidth in bits per second
	Label     string `json:"label"`     // display label, e.g. "1080p"
}

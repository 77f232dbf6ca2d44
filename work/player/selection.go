package player

import (
	"iptv-player/work/types"
	"iptv-player/work/utils"
)

// candidates maps a channel's declared type plus its probe classification
// onto the ordered engine list to attempt. The first engine that starts
// wins; later entries are fallbacks.
//
// DRM material and adaptive manifests can only play on the DASH engine, so
// they get no fallbacks. Plain segmented playlists skip the embedded runtime
// entirely: it is known to mishandle them, and starting it first would burn
// a candidate on a guaranteed failure.
func candidates(ch *types.Channel, probe types.ProbeResult) []types.EngineID {
	if ch.HasDRM() || ch.StreamType.IsAdaptive() || probe == types.ProbeAdaptiveManifest {
		return []types.EngineID{types.EngineDASH}
	}

	if probe == types.ProbePlainSegmented {
		return []types.EngineID{types.EngineHLS}
	}

	if ch.StreamType.IsSegmented() || probe == types.ProbeMultiVariant ||
		utils.HasPathSuffix(ch.URL, ".m3u8") {
		return []types.EngineID{types.EngineEmbedded, types.EngineHLS}
	}

	if probe == types.ProbeProgressive || ch.StreamType == types.StreamTypeMP4 ||
		ch.StreamType == types.StreamTypeTS {
		return []types.EngineID{types.EngineNative}
	}

	// nothing recognizable: try the segmented engine, then raw playback
	return []types.EngineID{types.EngineHLS, types.EngineNative}
}

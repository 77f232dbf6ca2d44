package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"iptv-player/work/cache"
	"iptv-player/work/client"
	"iptv-player/work/config"
	"iptv-player/work/types"
)

const plainMediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:120
#EXTINF:10.0,
seg120.ts
#EXTINF:10.0,
seg121.ts
#EXTINF:10.0,
seg122.ts
`

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5120000,RESOLUTION=1920x1080
high/index.m3u8
`

const fmp4MediaPlaylist = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:4
#EXT-X-MAP:URI="init.mp4"
#EXTINF:4.0,
seg0.m4s
#EXTINF:4.0,
seg1.m4s
`

const discontinuityMediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-DISCONTINUITY-SEQUENCE:2
#EXTINF:10.0,
seg0.ts
#EXTINF:10.0,
seg1.ts
`

const mpdManifest = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic">
  <Period>
    <AdaptationSet mimeType="video/mp4">
      <Representation id="1" bandwidth="2000000" height="720"/>
    </AdaptationSet>
  </Period>
</MPD>
`

func testProber(timeout time.Duration) *Prober {
	cfg := &config.Config{
		ProbeTimeout: timeout,
		UserAgent:    "test-agent",
	}
	return New(cfg, client.New(cfg), nil)
}

func serve(t *testing.T, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbe_plainSegmentedPlaylist(t *testing.T) {
	// .m3u8 URL, only #EXTINF lines referencing .ts segments, no
	// stream-selection directive: must classify plain-segmented so the
	// orchestrator skips the embedded player.
	srv := serve(t, "application/vnd.apple.mpegurl", plainMediaPlaylist)
	p := testProber(5 * time.Second)

	got := p.Probe(context.Background(), srv.URL+"/live.m3u8")
	if got != types.ProbePlainSegmented {
		t.Errorf("Probe = %v, want plain_segmented", got)
	}
}

func TestProbe_masterPlaylist(t *testing.T) {
	srv := serve(t, "application/x-mpegURL", masterPlaylist)
	p := testProber(5 * time.Second)

	got := p.Probe(context.Background(), srv.URL+"/master.m3u8")
	if got != types.ProbeMultiVariant {
		t.Errorf("Probe = %v, want multi_variant", got)
	}
}

func TestProbe_fmp4MediaPlaylistNotPlain(t *testing.T) {
	srv := serve(t, "application/vnd.apple.mpegurl", fmp4MediaPlaylist)
	p := testProber(5 * time.Second)

	got := p.Probe(context.Background(), srv.URL+"/live.m3u8")
	if got == types.ProbePlainSegmented {
		t.Error("playlist with #EXT-X-MAP must not classify plain_segmented")
	}
}

func TestProbe_discontinuitySequenceNotPlain(t *testing.T) {
	// spliced content: the plain-segmented fast path must not claim it even
	// though every segment is a transport stream
	srv := serve(t, "application/vnd.apple.mpegurl", discontinuityMediaPlaylist)
	p := testProber(5 * time.Second)

	got := p.Probe(context.Background(), srv.URL+"/live.m3u8")
	if got == types.ProbePlainSegmented {
		t.Error("playlist with #EXT-X-DISCONTINUITY-SEQUENCE must not classify plain_segmented")
	}
}

func TestProbe_dashByContentType(t *testing.T) {
	srv := serve(t, "application/dash+xml", mpdManifest)
	p := testProber(5 * time.Second)

	got := p.Probe(context.Background(), srv.URL+"/stream")
	if got != types.ProbeAdaptiveManifest {
		t.Errorf("Probe = %v, want adaptive_manifest", got)
	}
}

func TestProbe_dashByXMLRoot(t *testing.T) {
	srv := serve(t, "text/xml", mpdManifest)
	p := testProber(5 * time.Second)

	got := p.Probe(context.Background(), srv.URL+"/manifest")
	if got != types.ProbeAdaptiveManifest {
		t.Errorf("Probe = %v, want adaptive_manifest", got)
	}
}

func TestProbe_dashBySuffix(t *testing.T) {
	srv := serve(t, "application/octet-stream", mpdManifest)
	p := testProber(5 * time.Second)

	got := p.Probe(context.Background(), srv.URL+"/stream.mpd")
	if got != types.ProbeAdaptiveManifest {
		t.Errorf("Probe = %v, want adaptive_manifest", got)
	}
}

func TestProbe_progressiveByContentType(t *testing.T) {
	srv := serve(t, "video/mp4", "\x00\x00\x00\x18ftypmp42")
	p := testProber(5 * time.Second)

	got := p.Probe(context.Background(), srv.URL+"/movie")
	if got != types.ProbeProgressive {
		t.Errorf("Probe = %v, want progressive", got)
	}
}

func TestProbe_sniffedPlaylistWithoutHints(t *testing.T) {
	// no useful content type and no playlist suffix: body sniff must still
	// find the playlist header
	srv := serve(t, "text/plain", masterPlaylist)
	p := testProber(5 * time.Second)

	got := p.Probe(context.Background(), srv.URL+"/stream")
	if got != types.ProbeMultiVariant {
		t.Errorf("Probe = %v, want multi_variant", got)
	}
}

func TestProbe_networkErrorIndeterminate(t *testing.T) {
	p := testProber(2 * time.Second)

	got := p.Probe(context.Background(), "http://127.0.0.1:1/nothing.m3u8")
	if got != types.ProbeIndeterminate {
		t.Errorf("Probe = %v, want indeterminate on network error", got)
	}
}

func TestProbe_timeoutIndeterminate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	p := testProber(100 * time.Millisecond)
	start := time.Now()
	got := p.Probe(context.Background(), srv.URL+"/slow.m3u8")
	if got != types.ProbeIndeterminate {
		t.Errorf("Probe = %v, want indeterminate on timeout", got)
	}
	if time.Since(start) > time.Second {
		t.Error("probe did not honor its abort timeout")
	}
}

func TestProbe_cachedBodySkipsRefetch(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(plainMediaPlaylist))
	}))
	defer srv.Close()

	cfg := &config.Config{ProbeTimeout: 5 * time.Second, UserAgent: "test-agent"}
	p := New(cfg, client.New(cfg), cache.New(time.Minute))

	url := srv.URL + "/live.m3u8"
	if got := p.Probe(context.Background(), url); got != types.ProbePlainSegmented {
		t.Fatalf("first Probe = %v, want plain_segmented", got)
	}
	if got := p.Probe(context.Background(), url); got != types.ProbePlainSegmented {
		t.Fatalf("cached Probe = %v, want plain_segmented", got)
	}
	if hits != 1 {
		t.Errorf("expected 1 upstream fetch with a warm cache, got %d", hits)
	}
}

func TestProbe_httpErrorIndeterminate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	p := testProber(5 * time.Second)
	if got := p.Probe(context.Background(), srv.URL+"/x.m3u8"); got != types.ProbeIndeterminate {
		t.Errorf("Probe = %v, want indeterminate on HTTP error", got)
	}
}

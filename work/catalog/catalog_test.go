package catalog

import (
	"strings"
	"testing"

	"iptv-player/work/types"
)

const samplePlaylist = `#EXTM3U
#EXTINF:-1 tvg-id="news.one" tvg-name="News One" tvg-logo="http://img.example/news.png" group-title="News",News One
http://stream.example/news/index.m3u8
#EXTINF:-1 group-title="Movies, Classics",Movie Channel
http://stream.example/movies/file.mp4
#EXTINF:-1 stream-type="drm",Premium Sports
http://stream.example/sports/manifest.mpd
#EXTINF:-1,Clip Channel
https://www.youtube.com/watch?v=abc123
`

func TestParseM3U8(t *testing.T) {
	channels, err := ParseM3U8(strings.NewReader(samplePlaylist))
	if err != nil {
		t.Fatalf("ParseM3U8 failed: %v", err)
	}
	if len(channels) != 4 {
		t.Fatalf("expected 4 channels, got %d", len(channels))
	}

	first := channels[0]
	if first.ID != "news.one" {
		t.Errorf("expected id from tvg-id, got %q", first.ID)
	}
	if first.Name != "News One" {
		t.Errorf("expected name 'News One', got %q", first.Name)
	}
	if first.PosterURL != "http://img.example/news.png" {
		t.Errorf("expected poster from tvg-logo, got %q", first.PosterURL)
	}
	if first.StreamType != types.StreamTypeM3U8 {
		t.Errorf("expected m3u8 type from extension, got %q", first.StreamType)
	}
	if first.Attributes["group-title"] != "News" {
		t.Errorf("expected group-title attribute, got %q", first.Attributes["group-title"])
	}
}

func TestParseM3U8NameWithQuotedComma(t *testing.T) {
	channels, err := ParseM3U8(strings.NewReader(samplePlaylist))
	if err != nil {
		t.Fatalf("ParseM3U8 failed: %v", err)
	}

	// the comma inside group-title="Movies, Classics" must not split the name
	movie := channels[1]
	if movie.Name != "Movie Channel" {
		t.Errorf("expected name 'Movie Channel', got %q", movie.Name)
	}
	if movie.Attributes["group-title"] != "Movies, Classics" {
		t.Errorf("expected quoted comma preserved in attribute, got %q", movie.Attributes["group-title"])
	}
	if movie.StreamType != types.StreamTypeMP4 {
		t.Errorf("expected mp4 type from extension, got %q", movie.StreamType)
	}
}

func TestParseM3U8ExplicitAndInferredTypes(t *testing.T) {
	channels, err := ParseM3U8(strings.NewReader(samplePlaylist))
	if err != nil {
		t.Fatalf("ParseM3U8 failed: %v", err)
	}

	if channels[2].StreamType != types.StreamTypeDRM {
		t.Errorf("expected explicit drm type, got %q", channels[2].StreamType)
	}
	if channels[3].StreamType != types.StreamTypeYouTube {
		t.Errorf("expected youtube type from URL, got %q", channels[3].StreamType)
	}
	if channels[3].ID != "clip-channel" {
		t.Errorf("expected slug id without tvg-id, got %q", channels[3].ID)
	}
}

func TestParseM3U8SkipsBareURLs(t *testing.T) {
	channels, err := ParseM3U8(strings.NewReader("#EXTM3U\nhttp://stream.example/orphan.m3u8\n"))
	if err != nil {
		t.Fatalf("ParseM3U8 failed: %v", err)
	}
	if len(channels) != 0 {
		t.Errorf("expected no channels from bare URL, got %d", len(channels))
	}
}

func TestParseJSON(t *testing.T) {
	doc := `{"channels":[
		{"id":"ch1","name":"Channel One","stream_type":"hls","stream_url":"http://stream.example/one.m3u8"},
		{"name":"Channel Two","stream_url":"http://stream.example/two.mpd"}
	]}`

	channels, err := ParseJSON(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseJSON failed: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(channels))
	}
	if channels[0].StreamType != types.StreamTypeHLS {
		t.Errorf("expected declared hls type, got %q", channels[0].StreamType)
	}
	if channels[1].ID != "channel-two" {
		t.Errorf("expected slug id for missing id, got %q", channels[1].ID)
	}
	if channels[1].StreamType != types.StreamTypeMPD {
		t.Errorf("expected mpd type inferred from URL, got %q", channels[1].StreamType)
	}
}

func TestParseJSONBareArray(t *testing.T) {
	doc := `[{"id":"x","name":"X","stream_type":"ts","stream_url":"http://stream.example/x.ts"}]`

	channels, err := ParseJSON(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseJSON failed: %v", err)
	}
	if len(channels) != 1 || channels[0].ID != "x" {
		t.Fatalf("expected single channel 'x', got %+v", channels)
	}
}

func TestNavigation(t *testing.T) {
	c := &Catalog{byID: make(map[string]*types.Channel)}
	for _, id := range []string{"a", "b", "c"} {
		ch := &types.Channel{ID: id, Name: id, StreamType: types.StreamTypeHLS, URL: "http://x/" + id}
		c.ordered = append(c.ordered, ch)
		c.byID[id] = ch
	}

	next, ok := c.Next("a")
	if !ok || next.ID != "b" {
		t.Errorf("Next(a) = %v, want b", next)
	}
	next, ok = c.Next("c")
	if !ok || next.ID != "a" {
		t.Errorf("Next(c) should wrap to a, got %v", next)
	}
	prev, ok := c.Prev("a")
	if !ok || prev.ID != "c" {
		t.Errorf("Prev(a) should wrap to c, got %v", prev)
	}

	// unknown id lands on the first channel
	next, ok = c.Next("missing")
	if !ok || next.ID != "a" {
		t.Errorf("Next(missing) = %v, want a", next)
	}
}

func TestNavigationEmpty(t *testing.T) {
	c := &Catalog{byID: make(map[string]*types.Channel)}
	if _, ok := c.Next("a"); ok {
		t.Error("Next on empty catalog should report not found")
	}
}

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"iptv-player/work/catalog"
	"iptv-player/work/logger"
	"iptv-player/work/player"
)

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("{handlers - writeJSON} Encoding response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HandleChannels serves the channel list in catalog order.
func HandleChannels(c *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, c.List())
	}
}

// HandlePlay starts playback of the channel in the path.
func HandlePlay(pl *player.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := pl.Play(id); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusAccepted, pl.Status())
	}
}

// HandleStop tears down the active session.
func HandleStop(pl *player.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pl.Stop()
		writeJSON(w, http.StatusOK, pl.Status())
	}
}

// HandlePause pauses the active engine.
func HandlePause(pl *player.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pl.Pause(); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, pl.Status())
	}
}

// HandleResume resumes a paused engine.
func HandleResume(pl *player.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pl.Resume(); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, pl.Status())
	}
}

// HandleSeek moves playback to the "position" query parameter, in seconds.
func HandleSeek(pl *player.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		position, err := strconv.ParseFloat(r.URL.Query().Get("position"), 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := pl.Seek(position); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, pl.Status())
	}
}

// HandleVolume sets volume level (0..1) and mute state.
func HandleVolume(pl *player.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, err := strconv.ParseFloat(r.URL.Query().Get("level"), 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		muted := r.URL.Query().Get("muted") == "true"
		if err := pl.SetVolume(level, muted); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, pl.Status())
	}
}

// HandleStatus serves the orchestrator state snapshot.
func HandleStatus(pl *player.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pl.Status())
	}
}

// HandleQualities serves the selectable quality levels of the active engine.
func HandleQualities(pl *player.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		qualities, err := pl.Qualities()
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, qualities)
	}
}

// HandleSetQuality switches the active engine to the "index" query parameter.
func HandleSetQuality(pl *player.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(r.URL.Query().Get("index"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := pl.SetQuality(index); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, pl.Status())
	}
}

// HandleNext switches to the following channel in catalog order.
func HandleNext(pl *player.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pl.Next(); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusAccepted, pl.Status())
	}
}

// HandlePrev switches to the preceding channel in catalog order.
func HandlePrev(pl *player.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pl.Prev(); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusAccepted, pl.Status())
	}
}

// HandleRefresh forces a catalog re-fetch, bypassing the cache.
func HandleRefresh(c *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.ForceRefresh(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"channels": len(c.List())})
	}
}

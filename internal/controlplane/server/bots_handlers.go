package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/betbot/botfleet/internal/registry"
)

// startRequest is optional: an empty body starts the bot with its persisted
// config.
type startRequest struct {
	Config *registry.BotConfig `json:"config"`
}

func (s *Server) handleBotStart(w http.ResponseWriter, r *http.Request) {
	botID := urlParam(r, "botID")
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	res, err := s.sup.Start(ctx, tenantOf(r), botID, req.Config)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBotStop(w http.ResponseWriter, r *http.Request) {
	botID := urlParam(r, "botID")
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := s.sup.Stop(ctx, tenantOf(r), botID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bot_id": botID})
}

func (s *Server) handleBotRestart(w http.ResponseWriter, r *http.Request) {
	botID := urlParam(r, "botID")
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	res, err := s.sup.Restart(ctx, tenantOf(r), botID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBotDelete(w http.ResponseWriter, r *http.Request) {
	botID := urlParam(r, "botID")
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := s.sup.Delete(ctx, tenantOf(r), botID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bot_id": botID})
}

type autoRestartRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleBotAutoRestart(w http.ResponseWriter, r *http.Request) {
	botID := urlParam(r, "botID")
	var req autoRestartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rec, err := s.sup.ToggleAutoRestart(ctx, tenantOf(r), botID, *req.Enabled)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": botID, "auto_restart": rec.AutoRestart})
}

func (s *Server) handleBotsList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	bots, err := s.sup.List(ctx, tenantOf(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bots)
}

func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	st, err := s.sup.Status(ctx, tenantOf(r), urlParam(r, "botID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleBotDetails(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	d, err := s.sup.Details(ctx, tenantOf(r), urlParam(r, "botID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

package server

import (
	"fmt"
	"io"
	"net/http"
)

// maxUnitBytes bounds an uploaded override.
const maxUnitBytes = 1 << 20

func (s *Server) handleUnitsList(w http.ResponseWriter, r *http.Request) {
	cat, err := s.store.Catalog()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (s *Server) handleUnitGet(w http.ResponseWriter, r *http.Request) {
	kind, unit := urlParam(r, "kind"), urlParam(r, "unit")
	b, source, err := s.store.ReadUnit(tenantOf(r), kind, unit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":    kind,
		"unit":    unit,
		"source":  source,
		"content": string(b),
	})
}

func (s *Server) handleUnitSave(w http.ResponseWriter, r *http.Request) {
	kind, unit := urlParam(r, "kind"), urlParam(r, "unit")
	b, err := io.ReadAll(io.LimitReader(r.Body, maxUnitBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	if len(b) > maxUnitBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "unit too large")
		return
	}
	if err := s.store.SaveOverride(tenantOf(r), kind, unit, b); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "kind": kind, "unit": unit})
}

func (s *Server) handleUnitReset(w http.ResponseWriter, r *http.Request) {
	kind, unit := urlParam(r, "kind"), urlParam(r, "unit")
	if err := s.store.ResetOverride(tenantOf(r), kind, unit); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "kind": kind, "unit": unit})
}

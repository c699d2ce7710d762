package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/betbot/botfleet/internal/quota"
)

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	tenant := tenantOf(r)

	bal, err := s.sup.Balance(ctx, tenant)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	limit := 20
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	history, err := s.sup.CreditHistory(ctx, tenant, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": tenant, "balance": bal, "history": history})
}

func (s *Server) handleCreditsGrant(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	bal, err := s.sup.GrantCredit(ctx, tenantOf(r))
	if err != nil {
		var denied *quota.GrantDeniedError
		if errors.As(err, &denied) {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(denied.NextAt).Seconds())+1))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":   err.Error(),
				"next_at": denied.NextAt,
				"balance": bal,
			})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "balance": bal})
}

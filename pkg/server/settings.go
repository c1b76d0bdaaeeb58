package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pulquero/agile-powerwall/pkg/log"
	"github.com/pulquero/agile-powerwall/pkg/types"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.controller.GetSettings(r.Context())
	if err != nil {
		writeClassifiedError(w, r, err)
		return
	}
	writeJSON(w, settings, http.StatusOK)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req types.PowerwallSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Empty() {
		writeJSONError(w, "no settings provided", http.StatusBadRequest)
		return
	}

	if err := s.controller.SetSettings(ctx, req); err != nil {
		writeClassifiedError(w, r, err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "updated powerwall settings", slog.Any("settings", req))

	settings, err := s.controller.GetSettings(ctx)
	if err != nil {
		writeClassifiedError(w, r, err)
		return
	}
	writeJSON(w, settings, http.StatusOK)
}

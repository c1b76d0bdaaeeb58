package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pulquero/agile-powerwall/pkg/controller"
	"github.com/pulquero/agile-powerwall/pkg/log"
	"github.com/pulquero/agile-powerwall/pkg/tariff"
	"github.com/pulquero/agile-powerwall/pkg/types"
)

// ratesRequest is one batch of rates, with prices in currency units per kWh.
type ratesRequest struct {
	Direction  string        `json:"direction"`
	Slot       string        `json:"slot"`
	TariffCode string        `json:"tariff_code"`
	Rates      []types.Quote `json:"rates"`
}

type ratesResponse struct {
	Ingested int                `json:"ingested"`
	Refresh  *controller.Result `json:"refresh,omitempty"`
	Error    *errorResponse     `json:"error,omitempty"`
}

// handleIngest stores a batch of rates and then attempts a refresh. The
// refresh is expected to wait until all batches have arrived so its failure
// is reported in the body rather than the status code.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req ratesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode rates", slog.Any("error", err))
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	dir, err := types.ParseDirection(req.Direction)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	slot, err := types.ParseSlot(req.Slot)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.controller.Ingest(ctx, dir, slot, req.TariffCode, req.Rates); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := ratesResponse{Ingested: len(req.Rates)}
	res, err := s.controller.Refresh(ctx)
	if err != nil {
		resp.Error = &errorResponse{Error: err.Error(), Kind: string(tariff.Classify(err))}
	} else {
		resp.Refresh = &res
	}
	writeJSON(w, resp, http.StatusOK)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.controller.Refresh(r.Context())
	if err != nil {
		writeClassifiedError(w, r, err)
		return
	}
	writeJSON(w, res, http.StatusOK)
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.controller.WeekSchedules(), http.StatusOK)
}

package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/till-core/internal/maintenance"
	"github.com/nerrad567/till-core/internal/ordernumber"
)

// handleRunMaintenance runs a backup or integrity check and returns its
// Result. A failed run answers 500 with the Result as the body.
func (s *Server) handleRunMaintenance(w http.ResponseWriter, r *http.Request) {
	if s.maintenance == nil {
		writeUnavailable(w, "maintenance not configured")
		return
	}

	// A run that has started finishes even if the client goes away.
	ctx := context.WithoutCancel(r.Context())

	var res maintenance.Result
	switch kind := chi.URLParam(r, "kind"); kind {
	case maintenance.KindBackup:
		res = s.maintenance.RunBackup(ctx)
	case maintenance.KindIntegrity:
		res = s.maintenance.RunIntegrity(ctx)
	default:
		writeNotFound(w, "unknown maintenance kind: "+kind)
		return
	}

	status := http.StatusOK
	if !res.OK {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

// handleParseOrderNumber decodes the number in the path.
func (s *Server) handleParseOrderNumber(w http.ResponseWriter, r *http.Request) {
	parsed, err := ordernumber.Parse(chi.URLParam(r, "number"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, parsed)
}

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/theramjad/hyperwhisper-cloud/internal/orchestrator"
	"github.com/theramjad/hyperwhisper-cloud/internal/pricing"
)

// errorBody is the uniform error envelope: the machine-readable code
// under "error", a human-readable message, and remediation fields on
// credit and quota denials only.
type errorBody struct {
	Error   orchestrator.Code `json:"error"`
	Message string            `json:"message"`

	CreditsRemaining *pricing.Credits `json:"credits_remaining,omitempty"`
	CreditsRequired  *pricing.Credits `json:"credits_required,omitempty"`
	MinutesRemaining *float64         `json:"minutes_remaining,omitempty"`
	MinutesRequired  *float64         `json:"minutes_required,omitempty"`
	ResetsAt         string           `json:"resets_at,omitempty"`
}

// writeError renders an orchestrator error. The underlying cause is
// logged here and never leaks into the body.
func writeError(w http.ResponseWriter, r *http.Request, oerr *orchestrator.Error) {
	if oerr.Err != nil {
		slog.Error("request failed",
			"request_id", requestID(r),
			"code", oerr.Code,
			"err", oerr.Err,
		)
	}

	body := errorBody{Error: oerr.Code, Message: oerr.Message}
	if d := oerr.Denial; d != nil {
		body.CreditsRemaining = &d.CreditsRemaining
		body.CreditsRequired = &d.CreditsRequired
		body.MinutesRemaining = &d.MinutesRemaining
		body.MinutesRequired = &d.MinutesRequired
		if !d.ResetsAt.IsZero() {
			body.ResetsAt = d.ResetsAt.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, oerr.HTTPStatus(), body)
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, &orchestrator.Error{Code: orchestrator.CodeBadRequest, Message: message})
}

// writeJSON encodes v with the given status. Encoding failures cannot be
// reported to a client whose status line is already gone; they are logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}

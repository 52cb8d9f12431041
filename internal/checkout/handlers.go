package checkout

import (
	"encoding/json"
	"net/http"

	"github.com/noah-isme/bundle-checkout/internal/common"
	"github.com/noah-isme/bundle-checkout/internal/obs"
)

type Handler struct {
	Svc *Service
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	var payload Input
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	out, err := h.Svc.Create(r.Context(), payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if out.Reused {
		status = http.StatusOK
	}
	obs.TagOrder(r.Context(), out.Reference)
	common.Data(w, status, out)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if !common.IsAppError(err) {
		h.Svc.Logger.Error().Err(err).Msg("checkout_failed")
	}
	common.WriteError(w, err)
}

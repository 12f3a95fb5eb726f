package ops

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) getUIConfig(w http.ResponseWriter, r *http.Request) {
	if s.uiconfig == nil {
		respondError(w, http.StatusServiceUnavailable, "ui config is not configured")
		return
	}
	tenant := chi.URLParam(r, "tenant")
	settings, ok, err := s.uiconfig.Get(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load ui config: %s", err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "no ui config for tenant %s", tenant)
		return
	}
	respond(w, http.StatusOK, settings)
}

func (s *Server) putUIConfig(w http.ResponseWriter, r *http.Request) {
	if s.uiconfig == nil {
		respondError(w, http.StatusServiceUnavailable, "ui config is not configured")
		return
	}
	var settings map[string]any
	if err := decode(r, &settings); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := s.uiconfig.Put(r.Context(), chi.URLParam(r, "tenant"), settings); err != nil {
		respondError(w, http.StatusInternalServerError, "store ui config: %s", err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

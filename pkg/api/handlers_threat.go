package api

import (
	"net/http"

	"github.com/hlekkr/hlekkr/pkg/threatintel"
)

func (s *Server) handleThreatIndicators(w http.ResponseWriter, r *http.Request) {
	if s.indicators == nil {
		WriteNotFound(w, "Threat intelligence is not enabled")
		return
	}
	q := r.URL.Query()
	indicators, err := s.indicators.ListIndicators(r.Context(),
		threatintel.IndicatorType(q.Get("type")), intParam(q.Get("limit"), 100))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"indicators": indicators})
}

func (s *Server) handleThreatReports(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		WriteNotFound(w, "Threat intelligence is not enabled")
		return
	}
	q := r.URL.Query()
	reports, err := s.reports.ListReports(r.Context(),
		threatintel.ThreatType(q.Get("type")), intParam(q.Get("limit"), 100))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleThreatReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		WriteNotFound(w, "Threat intelligence is not enabled")
		return
	}
	report, err := s.reports.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

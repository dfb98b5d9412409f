package api

import (
	"encoding/json"
	"net/http"

	"github.com/hlekkr/hlekkr/pkg/review"
)

func (s *Server) handleReviewGet(w http.ResponseWriter, r *http.Request) {
	if s.reviewRead == nil {
		WriteNotFound(w, "Review lookups are not enabled")
		return
	}
	item, err := s.reviewRead.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

// handleReviewAssign hands the review to the least-loaded capable moderator.
// Assignment is capacity-driven, not self-service: the manager picks.
func (s *Server) handleReviewAssign(w http.ResponseWriter, r *http.Request) {
	item, err := s.reviews.Assign(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

// handleReviewStart moves an assigned review to in_progress. Only the
// assignee may start their own review; the manager enforces the match.
func (s *Server) handleReviewStart(w http.ResponseWriter, r *http.Request) {
	claims := ModeratorFromContext(r.Context())
	item, err := s.reviews.Start(r.Context(), r.PathValue("id"), claims.ModeratorID)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

type escalateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReviewEscalate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req escalateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	item, err := s.reviews.Escalate(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

// completeRequest is the moderator's decision submission. The moderator id
// comes from the validated token, never the body.
type completeRequest struct {
	DecisionType         review.DecisionType     `json:"decisionType"`
	ConfidenceLevel      review.ConfidenceLevel  `json:"confidenceLevel"`
	ThreatLevel          review.ThreatLevel      `json:"threatLevel,omitempty"`
	Justification        string                  `json:"justification"`
	TrustScoreAdjustment float64                 `json:"trustScoreAdjustment"`
	Tags                 []string                `json:"tags,omitempty"`
	Evidence             review.DecisionEvidence `json:"evidence,omitempty"`
}

func (s *Server) handleReviewComplete(w http.ResponseWriter, r *http.Request) {
	if s.completer == nil {
		WriteNotFound(w, "Review completion is not enabled")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	if req.ThreatLevel == "" {
		req.ThreatLevel = review.ThreatNone
	}

	claims := ModeratorFromContext(r.Context())
	result, err := s.completer.Complete(r.Context(), review.CompleteInput{
		ReviewID:             r.PathValue("id"),
		ModeratorID:          claims.ModeratorID,
		DecisionType:         req.DecisionType,
		ConfidenceLevel:      req.ConfidenceLevel,
		ThreatLevel:          req.ThreatLevel,
		Justification:        req.Justification,
		TrustScoreAdjustment: req.TrustScoreAdjustment,
		Tags:                 req.Tags,
		Evidence:             req.Evidence,
	})
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

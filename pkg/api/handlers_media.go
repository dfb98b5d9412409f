package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hlekkr/hlekkr/pkg/audit"
	"github.com/hlekkr/hlekkr/pkg/pipeline"
	"github.com/hlekkr/hlekkr/pkg/trustscore"
)

// uploadRequest is the media submission body. Body carries the object bytes
// base64-encoded; an empty body registers an object already in the store.
type uploadRequest struct {
	MediaID      string     `json:"mediaId,omitempty"`
	Bucket       string     `json:"bucket"`
	Key          string     `json:"key"`
	Body         string     `json:"body,omitempty"`
	ContentType  string     `json:"contentType,omitempty"`
	SourceURL    string     `json:"sourceUrl,omitempty"`
	SourceDomain string     `json:"sourceDomain,omitempty"`
	Title        string     `json:"title,omitempty"`
	Author       string     `json:"author,omitempty"`
	PublishedAt  *time.Time `json:"publishedAt,omitempty"`
	// Process runs the full stage sequence synchronously and returns the
	// run report. The default registers the upload and returns its id.
	Process bool `json:"process,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	var body []byte
	if req.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			WriteBadRequest(w, "Body must be base64-encoded")
			return
		}
		body = decoded
	}

	in := pipeline.UploadInput{
		MediaID:      req.MediaID,
		Bucket:       req.Bucket,
		Key:          req.Key,
		Body:         body,
		ContentType:  req.ContentType,
		SourceURL:    req.SourceURL,
		SourceDomain: req.SourceDomain,
		Title:        req.Title,
		Author:       req.Author,
		PublishedAt:  req.PublishedAt,
	}

	if req.Process {
		report, err := s.pipeline.Run(r.Context(), in)
		if err != nil {
			WriteFault(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
		return
	}

	mediaID, err := s.pipeline.Upload(r.Context(), in)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"mediaId": mediaID})
}

// handleQueue dispatches one stage message, exactly as a queue consumer
// would. The pipeline's Result envelope maps straight onto the response.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var msg pipeline.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	res, err := s.pipeline.Handle(r.Context(), msg)
	if err != nil {
		s.logger.Warn("stage dispatch failed", "mediaId", msg.MediaID, "stage", string(msg.Stage), "error", err)
	}
	writeResult(w, res)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var msg pipeline.SchedulerMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	res, err := s.pipeline.HandleSchedule(r.Context(), msg)
	if err != nil {
		s.logger.Warn("sweep failed", "detailType", msg.DetailType, "error", err)
	}
	writeResult(w, res)
}

// writeResult forwards a pipeline envelope. The body is already JSON.
func writeResult(w http.ResponseWriter, res pipeline.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write([]byte(res.Body))
}

func (s *Server) handleCustodyChain(w http.ResponseWriter, r *http.Request) {
	events, err := s.chain.Chain(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	if len(events) == 0 {
		WriteNotFound(w, "No custody events recorded for media "+r.PathValue("id"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"mediaId": r.PathValue("id"), "events": events})
}

func (s *Server) handleCustodyVerify(w http.ResponseWriter, r *http.Request) {
	verification, err := s.chain.VerifyChain(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, verification)
}

func (s *Server) handleProvenance(w http.ResponseWriter, r *http.Request) {
	graph, err := s.chain.ProvenanceGraph(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, graph)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	events, err := s.audits.ListByMedia(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"mediaId": r.PathValue("id"), "events": events})
}

// handleAuditExport streams an evidence pack: the media item's audit events
// plus the custody chain and its verification, zipped and checksummed.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	mediaID := r.PathValue("id")

	attachments := map[string]any{}
	if chain, err := s.chain.Chain(r.Context(), mediaID); err == nil {
		attachments["custody_chain.json"] = chain
	}
	if verification, err := s.chain.VerifyChain(r.Context(), mediaID); err == nil {
		attachments["custody_verification.json"] = verification
	}
	if latest, err := s.scores.Latest(r.Context(), mediaID); err == nil && latest != nil {
		attachments["trust_score.json"] = latest
	}

	pack, checksum, err := s.exporter.GeneratePack(r.Context(), audit.ExportRequest{
		MediaID:     mediaID,
		Attachments: attachments,
	})
	if err != nil {
		WriteFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="evidence-`+mediaID+`.zip"`)
	w.Header().Set("X-Pack-Checksum", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack)
}

func (s *Server) handleScoreLatest(w http.ResponseWriter, r *http.Request) {
	mediaID := r.PathValue("id")

	if version := r.URL.Query().Get("version"); version != "" {
		v, err := s.scores.GetVersion(r.Context(), mediaID, version)
		if err != nil {
			WriteFault(w, err)
			return
		}
		if v == nil {
			WriteNotFound(w, "No such score version for media "+mediaID)
			return
		}
		WriteJSON(w, http.StatusOK, v)
		return
	}

	latest, err := s.scores.Latest(r.Context(), mediaID)
	if err != nil {
		WriteFault(w, err)
		return
	}
	if latest == nil {
		WriteNotFound(w, "No trust score recorded for media "+mediaID)
		return
	}
	WriteJSON(w, http.StatusOK, latest)
}

func (s *Server) handleScoreHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.scores.History(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"mediaId": r.PathValue("id"), "versions": history})
}

// handleScoreQuery serves the range queries: by score bucket, or by a
// min/max composite window, inside an optional calculation time window.
func (s *Server) handleScoreQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := timeWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	limit := intParam(q.Get("limit"), 100)

	var versions []trustscore.TrustScoreVersion
	if bucket := q.Get("range"); bucket != "" {
		versions, err = s.scores.ListByRange(r.Context(), trustscore.ScoreRange(bucket), from, to, limit)
	} else {
		lo := floatParam(q.Get("min"), 0)
		hi := floatParam(q.Get("max"), 100)
		versions, err = s.scores.ListByScore(r.Context(), lo, hi, from, to, limit)
	}
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleScoreStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := timeWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	stats, err := s.scores.Stats(r.Context(), from, to)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// timeWindow parses optional RFC 3339 bounds; absent bounds open the window.
func timeWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now().UTC().Add(time.Hour)
	if fromStr != "" {
		parsed, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return from, to, errors.New("from must be RFC 3339")
		}
		from = parsed
	}
	if toStr != "" {
		parsed, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return from, to, errors.New("to must be RFC 3339")
		}
		to = parsed
	}
	return from, to, nil
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func floatParam(raw string, fallback float64) float64 {
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return f
}

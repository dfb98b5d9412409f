package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrEmptyMediaID is returned when the media ID is empty.
	ErrEmptyMediaID = errors.New("audit: media_id must not be empty")
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when export is invoked without a backing store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

// ExportRequest defines what to export.
type ExportRequest struct {
	MediaID   string    `json:"mediaId"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	// Attachments are extra JSON documents bundled into the pack, keyed by
	// file name. Callers use this to include the custody chain, its
	// verification result, and the latest trust score next to the raw
	// events.
	Attachments map[string]any `json:"-"`
}

// Exporter assembles evidence packs: a zip of every audit record for a media
// item plus a manifest carrying per-file checksums.
type Exporter struct {
	store Store
	clock func() time.Time
}

func NewExporter(s Store) *Exporter {
	return &Exporter{store: s, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// GeneratePack creates a zip containing the media item's audit events, any
// attachments, and a manifest. Returns the zip bytes and their SHA-256
// checksum in hex.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.MediaID == "" {
		return nil, "", ErrEmptyMediaID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}

	filter := Filter{MediaID: req.MediaID}
	if !req.StartTime.IsZero() {
		filter.Start = &req.StartTime
	}
	if !req.EndTime.IsZero() {
		filter.End = &req.EndTime
	}
	events, err := e.store.Query(ctx, filter)
	if err != nil {
		return nil, "", fmt.Errorf("audit: querying events for export: %w", err)
	}

	files := map[string][]byte{}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", err
	}
	files["events.json"] = eventsJSON

	for name, doc := range req.Attachments {
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("audit: marshaling attachment %s: %w", name, err)
		}
		files[name] = data
	}

	generatedAt := e.clock().UTC()

	// Manifest checksums cover every file so a recipient can verify the
	// pack's contents individually.
	checksums := map[string]string{}
	for name, data := range files {
		sum := sha256.Sum256(data)
		checksums[name] = hex.EncodeToString(sum[:])
	}
	manifest := map[string]any{
		"mediaId":     req.MediaID,
		"generatedAt": generatedAt,
		"eventCount":  len(events),
		"checksums":   checksums,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}
	files["manifest.json"] = manifestJSON

	var readme bytes.Buffer
	fmt.Fprintf(&readme, "Evidence pack for media %s\nGenerated at %s\n", req.MediaID, generatedAt.Format(time.RFC3339))
	files["README.txt"] = readme.Bytes()

	// Fixed file ordering keeps pack bytes reproducible for a given input.
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, name := range names {
		f, err := w.Create(name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(files[name]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}

// Package mediameta extracts technical metadata from stored media objects:
// object-store head attributes plus kind-specific fields read straight from
// file headers (image dimensions and EXIF timestamps, MP4 container layout,
// WAV/MP3 audio parameters). Parsers work off bounded range reads, never the
// whole object.
package mediameta

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/mediastore"
)

// headWindow bounds how much of an object header parsers read.
const headWindow = 64 << 10

// MediaType is the logical media kind inferred for an object.
type MediaType string

const (
	TypeImage   MediaType = "image"
	TypeVideo   MediaType = "video"
	TypeAudio   MediaType = "audio"
	TypeUnknown MediaType = "unknown"
)

// ImageMetadata is what the image header parsers recover.
type ImageMetadata struct {
	Format           string `json:"format"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	DateTimeOriginal string `json:"dateTimeOriginal,omitempty"`
}

// VideoMetadata is what the MP4 box walk recovers.
type VideoMetadata struct {
	Container       string  `json:"container"`
	MajorBrand      string  `json:"majorBrand,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	Timescale       uint32  `json:"timescale,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
}

// AudioMetadata is what the WAV/MP3 parsers recover.
type AudioMetadata struct {
	Format          string  `json:"format"`
	SampleRate      int     `json:"sampleRate,omitempty"`
	Channels        int     `json:"channels,omitempty"`
	BitsPerSample   int     `json:"bitsPerSample,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	HasID3          bool    `json:"hasId3,omitempty"`
}

// Metadata is the full extraction result for one object. Parse failures are
// recorded in-band: ExtractionFailed with the attempted method and error.
type Metadata struct {
	Bucket           string                `json:"bucket"`
	Key              string                `json:"key"`
	MediaType        MediaType             `json:"mediaType"`
	Object           mediastore.ObjectInfo `json:"object"`
	Image            *ImageMetadata        `json:"image,omitempty"`
	Video            *VideoMetadata        `json:"video,omitempty"`
	Audio            *AudioMetadata        `json:"audio,omitempty"`
	ExtractionMethod string                `json:"extractionMethod"`
	ExtractionFailed bool                  `json:"extractionFailed,omitempty"`
	Error            string                `json:"error,omitempty"`
	ExtractedAt      time.Time             `json:"extractedAt"`
}

func (md *Metadata) fail(method string, err error) {
	md.ExtractionMethod = method
	md.ExtractionFailed = true
	md.Error = err.Error()
}

var extensionTypes = map[string]MediaType{
	".jpg":  TypeImage,
	".jpeg": TypeImage,
	".png":  TypeImage,
	".gif":  TypeImage,
	".webp": TypeImage,
	".bmp":  TypeImage,
	".tiff": TypeImage,
	".mp4":  TypeVideo,
	".m4v":  TypeVideo,
	".mov":  TypeVideo,
	".avi":  TypeVideo,
	".webm": TypeVideo,
	".mkv":  TypeVideo,
	".wav":  TypeAudio,
	".mp3":  TypeAudio,
	".flac": TypeAudio,
	".m4a":  TypeAudio,
	".aac":  TypeAudio,
	".ogg":  TypeAudio,
}

// InferMediaType resolves the media kind from the stored content type first,
// then the key's extension.
func InferMediaType(key, contentType string) MediaType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return TypeImage
	case strings.HasPrefix(contentType, "video/"):
		return TypeVideo
	case strings.HasPrefix(contentType, "audio/"):
		return TypeAudio
	}
	if t, ok := extensionTypes[strings.ToLower(path.Ext(key))]; ok {
		return t
	}
	return TypeUnknown
}

// Extractor reads objects from the store and derives their metadata.
type Extractor struct {
	objects mediastore.Store
	logger  *slog.Logger
	clock   func() time.Time
}

// NewExtractor wires the extractor over an object store.
func NewExtractor(objects mediastore.Store, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		objects: objects,
		logger:  logger.With("component", "mediameta"),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (e *Extractor) WithClock(clock func() time.Time) *Extractor {
	e.clock = clock
	return e
}

// Extract fetches head metadata and dispatches to the kind-specific parser.
// Parse failures are recorded in-band, never returned; only an unreachable
// object store is an error.
func (e *Extractor) Extract(ctx context.Context, bucket, key string) (Metadata, error) {
	info, err := e.objects.Head(ctx, bucket, key)
	if err != nil {
		return Metadata{}, fault.Wrap(fault.CodeStoreError, err, "fetching object head")
	}

	md := Metadata{
		Bucket:      bucket,
		Key:         key,
		MediaType:   InferMediaType(key, info.ContentType),
		Object:      info,
		ExtractedAt: e.clock().UTC(),
	}

	switch md.MediaType {
	case TypeImage:
		e.extractImage(ctx, &md)
	case TypeVideo:
		e.extractVideo(ctx, &md)
	case TypeAudio:
		e.extractAudio(ctx, &md)
	default:
		md.ExtractionMethod = "head_only"
	}

	if md.ExtractionFailed {
		e.logger.Warn("metadata extraction failed",
			"bucket", bucket, "key", key,
			"method", md.ExtractionMethod, "error", md.Error)
	} else {
		e.logger.Debug("metadata extracted",
			"bucket", bucket, "key", key,
			"mediaType", string(md.MediaType), "method", md.ExtractionMethod)
	}
	return md, nil
}

func (e *Extractor) extractImage(ctx context.Context, md *Metadata) {
	head, err := e.objects.GetRange(ctx, md.Bucket, md.Key, 0, headWindow)
	if err != nil {
		md.fail("image_header", err)
		return
	}
	img, method, err := parseImageHeader(head)
	if err != nil {
		md.fail(method, err)
		return
	}
	md.Image = img
	md.ExtractionMethod = method
}

func (e *Extractor) extractVideo(ctx context.Context, md *Metadata) {
	video, err := e.parseMP4(ctx, md.Bucket, md.Key, md.Object.Size)
	if err != nil {
		md.fail("mp4_box_walk", err)
		return
	}
	md.Video = video
	md.ExtractionMethod = "mp4_box_walk"
}

func (e *Extractor) extractAudio(ctx context.Context, md *Metadata) {
	head, err := e.objects.GetRange(ctx, md.Bucket, md.Key, 0, headWindow)
	if err != nil {
		md.fail("audio_header", err)
		return
	}
	// M4A is an MP4 container; reuse the box walk for its duration.
	if len(head) >= 8 && string(head[4:8]) == "ftyp" {
		video, err := e.parseMP4(ctx, md.Bucket, md.Key, md.Object.Size)
		if err != nil {
			md.fail("mp4_box_walk", err)
			return
		}
		md.Audio = &AudioMetadata{Format: "m4a", DurationSeconds: video.DurationSeconds}
		md.ExtractionMethod = "mp4_box_walk"
		return
	}
	audio, method, err := parseAudioHeader(head, md.Object.Size)
	if err != nil {
		md.fail(method, err)
		return
	}
	md.Audio = audio
	md.ExtractionMethod = method
}

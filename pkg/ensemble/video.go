package ensemble

import (
	"context"
	"encoding/base64"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/mediastore"
)

const (
	// maxVideoFrames caps how many representative frames a video contributes.
	maxVideoFrames = 5

	// frameWindowBytes is how much of the object each frame sample reads.
	frameWindowBytes = 256 << 10

	// temporalVarianceGate is the frame-confidence variance above which the
	// synthetic temporal-inconsistency technique is added.
	temporalVarianceGate = 0.1

	temporalInconsistencyTechnique = "temporal_inconsistency_detected"
)

// Frame is one representative sample taken from a stored video.
type Frame struct {
	Index  int
	Offset int64
	Data   []byte
}

// FrameExtractor pulls representative frames from a stored video. Extraction
// must be deterministic for a given object.
type FrameExtractor interface {
	ExtractFrames(ctx context.Context, bucket, key string, size int64, max int) ([]Frame, error)
}

// rangeFrameExtractor samples evenly spaced byte windows through object-store
// range reads. It stands in until a stream-aware decoder is wired and stays
// deterministic for a given object.
type rangeFrameExtractor struct {
	objects mediastore.Store
}

func (e rangeFrameExtractor) ExtractFrames(ctx context.Context, bucket, key string, size int64, max int) ([]Frame, error) {
	if size <= 0 {
		info, err := e.objects.Head(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		size = info.Size
	}
	if max <= 0 || size <= 0 {
		return nil, nil
	}

	n := int64(max)
	if size < n {
		n = size
	}
	window := int64(frameWindowBytes)
	if span := size / n; window > span {
		window = span
	}

	frames := make([]Frame, 0, n)
	for i := int64(0); i < n; i++ {
		// Start of the i-th of n equal spans; windows never overrun.
		offset := size * i / n
		data, err := e.objects.GetRange(ctx, bucket, key, offset, window)
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame{Index: int(i), Offset: offset, Data: data})
	}
	return frames, nil
}

// videoSlot picks the per-frame backend: the fast model, degrading to any
// configured backend at fallback priority.
func (c *Coordinator) videoSlot() (modelSlot, bool) {
	if c.models.Fast != "" {
		return modelSlot{ModelID: c.models.Fast, Priority: PriorityStandard, Depth: DepthStandard}, true
	}
	for _, id := range []string{c.models.Detailed, c.models.Supplementary} {
		if id != "" {
			return modelSlot{ModelID: id, Priority: PriorityFallback, Depth: DepthBasic}, true
		}
	}
	return modelSlot{}, false
}

// analyzeVideo samples frames and aggregates per-frame fast-model votes:
// arithmetic mean confidence over valid frames, de-duplicated technique
// union, and a synthetic temporal-inconsistency technique when frame
// confidences diverge past the variance gate.
func (c *Coordinator) analyzeVideo(ctx context.Context, in AnalysisInput, start time.Time) (DetectionResult, error) {
	frames, err := c.frames.ExtractFrames(ctx, in.Bucket, in.Key, in.Size, maxVideoFrames)
	if err != nil {
		return DetectionResult{MediaID: in.MediaID, DeepfakeConfidence: -1},
			fault.Wrap(fault.CodeStoreError, err, "extracting video frames")
	}
	if len(frames) == 0 {
		return DetectionResult{MediaID: in.MediaID, DeepfakeConfidence: -1},
			fault.New(fault.CodeExtractionFailed, "video %s/%s yielded no frames", in.Bucket, in.Key)
	}

	slot, ok := c.videoSlot()
	if !ok {
		return DetectionResult{
			MediaID:            in.MediaID,
			DeepfakeConfidence: 0.5,
			DetectedTechniques: []string{},
			Consensus:          ConsensusMetrics{Agreement: AgreementVeryLow},
			ProcessingTime:     c.clock().Sub(start),
		}, nil
	}

	results := make([]ModelResult, len(frames))
	var wg sync.WaitGroup
	for i, frame := range frames {
		wg.Add(1)
		go func(i int, frame Frame) {
			defer wg.Done()
			results[i] = c.invokeOne(ctx, in, slot, base64.StdEncoding.EncodeToString(frame.Data))
		}(i, frame)
	}
	wg.Wait()

	var confidences []float64
	for _, r := range results {
		if r.valid() {
			confidences = append(confidences, r.Confidence)
		}
	}

	mean, variance := meanVariance(confidences)
	stdDev := math.Sqrt(variance)
	jaccard := techniqueJaccard(results)

	confidence := 0.5
	agreement := AgreementVeryLow
	if len(confidences) > 0 {
		confidence = mean
		agreement = agreementBucket(stdDev, jaccard)
	}

	techniques := unionTechniques(results)
	if variance > temporalVarianceGate {
		techniques = append(techniques, temporalInconsistencyTechnique)
		sort.Strings(techniques)
	}

	result := DetectionResult{
		MediaID:            in.MediaID,
		DeepfakeConfidence: confidence,
		DetectedTechniques: techniques,
		PerModelResults:    results,
		Consensus: ConsensusMetrics{
			Agreement:        agreement,
			Variance:         variance,
			StdDev:           stdDev,
			TechniqueJaccard: jaccard,
			ModelsCount:      len(confidences),
			MeanConfidence:   mean,
		},
		ProcessingTime: c.clock().Sub(start),
	}
	c.logger.Info("video ensemble analysis complete",
		"mediaId", in.MediaID,
		"frames", len(frames),
		"confidence", result.DeepfakeConfidence,
	)
	return result, nil
}

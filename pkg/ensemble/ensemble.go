// Package ensemble orchestrates deepfake analysis across several model
// backends and fuses their outputs into one detection result.
//
// The coordinator picks models by payload size and complexity, invokes them
// concurrently, normalizes each raw response against a fixed schema, and
// weights the survivors into an ensemble confidence. A failed model never
// aborts the ensemble: a neutral result is synthesized in its place so the
// consensus math keeps its shape.
package ensemble

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/inference"
	"github.com/hlekkr/hlekkr/pkg/mediastore"
)

// Priority ranks a model's vote in the ensemble.
type Priority string

const (
	PriorityHigh          Priority = "high"
	PriorityStandard      Priority = "standard"
	PrioritySupplementary Priority = "supplementary"
	PriorityFallback      Priority = "fallback"
)

// Depth describes how thorough a model's analysis was.
type Depth string

const (
	DepthDetailed      Depth = "detailed"
	DepthStandard      Depth = "standard"
	DepthBasic         Depth = "basic"
	DepthSupplementary Depth = "supplementary"
	DepthFailed        Depth = "failed"
)

// Agreement buckets inter-model consensus.
type Agreement string

const (
	AgreementVeryLow  Agreement = "very_low"
	AgreementLow      Agreement = "low"
	AgreementMedium   Agreement = "medium"
	AgreementHigh     Agreement = "high"
	AgreementVeryHigh Agreement = "very_high"
)

// ModelResult is one model's normalized vote.
type ModelResult struct {
	ModelID              string             `json:"modelId"`
	ModelPriority        Priority           `json:"modelPriority"`
	Confidence           float64            `json:"confidence"`
	Techniques           []string           `json:"techniques"`
	Certainty            string             `json:"certainty"`
	AnalysisDepth        Depth              `json:"analysisDepth"`
	ProcessingTime       time.Duration      `json:"processingTime"`
	Error                string             `json:"error,omitempty"`
	ParsingMethod        string             `json:"parsingMethod,omitempty"`
	KeyIndicators        []string           `json:"keyIndicators,omitempty"`
	IndicatorConfidences map[string]float64 `json:"indicatorConfidences,omitempty"`
}

// valid reports whether the result may contribute weight to the ensemble.
func (r ModelResult) valid() bool {
	return r.Error == "" && r.Confidence >= 0 && r.Confidence <= 1
}

// ConsensusMetrics summarizes inter-model agreement.
type ConsensusMetrics struct {
	Agreement        Agreement `json:"agreement"`
	Variance         float64   `json:"variance"`
	StdDev           float64   `json:"stdDev"`
	TechniqueJaccard float64   `json:"techniqueJaccard"`
	ModelsCount      int       `json:"modelsCount"`
	MeanConfidence   float64   `json:"meanConfidence"`
}

// DetectionResult is the fused output for one media item. A deepfake
// confidence of -1 marks an analysis that could not run at all.
type DetectionResult struct {
	MediaID            string           `json:"mediaId"`
	DeepfakeConfidence float64          `json:"deepfakeConfidence"`
	DetectedTechniques []string         `json:"detectedTechniques"`
	PerModelResults    []ModelResult    `json:"perModelResults"`
	Consensus          ConsensusMetrics `json:"consensus"`
	ProcessingTime     time.Duration    `json:"processingTime"`
}

// Indicators merges key indicators across valid model results, keeping the
// highest confidence seen per token. This is the classifier's input.
func (d DetectionResult) Indicators() ([]string, map[string]float64) {
	confs := map[string]float64{}
	for _, r := range d.PerModelResults {
		if !r.valid() {
			continue
		}
		for _, ind := range r.KeyIndicators {
			if c, ok := r.IndicatorConfidences[ind]; ok {
				if c > confs[ind] {
					confs[ind] = c
				}
			} else if _, seen := confs[ind]; !seen {
				confs[ind] = r.Confidence
			}
		}
	}
	tokens := make([]string, 0, len(confs))
	for tok := range confs {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return tokens, confs
}

// MediaKind selects the analysis path.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
)

// AnalysisInput describes the media item under analysis.
type AnalysisInput struct {
	MediaID     string
	Bucket      string
	Key         string
	ContentType string
	Size        int64
	Kind        MediaKind

	// Complexity ∈ [0,1]; above 0.7 the supplementary model joins.
	Complexity float64
}

// ModelSet names the backends available to the coordinator.
type ModelSet struct {
	Detailed      string
	Fast          string
	Supplementary string
}

// DefaultModelSet mirrors the production registry.
func DefaultModelSet() ModelSet {
	return ModelSet{
		Detailed:      "anthropic.claude-3-sonnet-20240229-v1:0",
		Fast:          "anthropic.claude-3-haiku-20240307-v1:0",
		Supplementary: "amazon.titan-image-analyzer-v1",
	}
}

// pressureShedThreshold is the queue depth above which the coordinator sheds
// the supplementary model from selection.
const pressureShedThreshold = 64

// Coordinator fans analysis out over the model set and fuses the votes.
type Coordinator struct {
	client   inference.Client
	objects  mediastore.Store
	models   ModelSet
	frames   FrameExtractor
	logger   *slog.Logger
	clock    func() time.Time
	pressure atomic.Int64
}

// NewCoordinator wires the ensemble over an inference client and the object
// store media bytes are read from.
func NewCoordinator(client inference.Client, objects mediastore.Store, models ModelSet, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		client:  client,
		objects: objects,
		models:  models,
		frames:  rangeFrameExtractor{objects: objects},
		logger:  logger.With("component", "ensemble"),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// WithFrameExtractor overrides video frame sampling, e.g. with a
// stream-aware decoder.
func (c *Coordinator) WithFrameExtractor(frames FrameExtractor) *Coordinator {
	c.frames = frames
	return c
}

// SetPressure reports the upstream queue depth. Above the shed threshold the
// supplementary model is dropped from selection; the fast model never is.
func (c *Coordinator) SetPressure(depth int) {
	c.pressure.Store(int64(depth))
}

// Analyze runs the ensemble over one media item. On an object-store failure
// the returned result carries DeepfakeConfidence -1 alongside the error so
// callers can still record the attempt.
func (c *Coordinator) Analyze(ctx context.Context, in AnalysisInput) (DetectionResult, error) {
	start := c.clock()

	if in.Kind == KindVideo {
		return c.analyzeVideo(ctx, in, start)
	}

	payload, err := c.objects.Get(ctx, in.Bucket, in.Key)
	if err != nil {
		return DetectionResult{MediaID: in.MediaID, DeepfakeConfidence: -1},
			fault.Wrap(fault.CodeStoreError, err, "fetching media for analysis")
	}

	slots := c.selectModels(in)
	results := c.invokeAll(ctx, in, slots, base64.StdEncoding.EncodeToString(payload))

	result := fuse(in.MediaID, results)
	result.ProcessingTime = c.clock().Sub(start)
	c.logger.Info("ensemble analysis complete",
		"mediaId", in.MediaID,
		"models", len(results),
		"confidence", result.DeepfakeConfidence,
		"agreement", string(result.Consensus.Agreement),
	)
	return result, nil
}

// invokeAll fans the payload out to every selected model concurrently.
func (c *Coordinator) invokeAll(ctx context.Context, in AnalysisInput, slots []modelSlot, payload string) []ModelResult {
	results := make([]ModelResult, len(slots))
	var wg sync.WaitGroup
	for i, slot := range slots {
		wg.Add(1)
		go func(i int, slot modelSlot) {
			defer wg.Done()
			results[i] = c.invokeOne(ctx, in, slot, payload)
		}(i, slot)
	}
	wg.Wait()
	return results
}

// invokeOne calls a single model and normalizes its response. Failures are
// synthesized into neutral results so the ensemble keeps its structure.
func (c *Coordinator) invokeOne(ctx context.Context, in AnalysisInput, slot modelSlot, payload string) ModelResult {
	began := c.clock()
	resp, err := c.client.Invoke(ctx, inference.Request{
		MediaID:       in.MediaID,
		ModelID:       slot.ModelID,
		Base64Payload: payload,
		ContentType:   in.ContentType,
		Prompt:        slot.prompt(),
		MaxTokens:     slot.maxTokens(),
		Temperature:   0.1,
	})
	elapsed := c.clock().Sub(began)

	if err != nil {
		c.logger.Warn("model invocation failed",
			"mediaId", in.MediaID, "modelId", slot.ModelID, "error", err)
		return synthesizeFailure(slot, err, elapsed)
	}

	normalized, parseErr := normalizeResponse(resp.Raw)
	if parseErr != nil {
		c.logger.Warn("model response unusable",
			"mediaId", in.MediaID, "modelId", slot.ModelID, "error", parseErr)
		return synthesizeFailure(slot, parseErr, elapsed)
	}

	return ModelResult{
		ModelID:              slot.ModelID,
		ModelPriority:        slot.Priority,
		Confidence:           normalized.Confidence,
		Techniques:           normalized.Techniques,
		Certainty:            normalized.Certainty,
		AnalysisDepth:        slot.Depth,
		ProcessingTime:       elapsed,
		ParsingMethod:        normalized.ParsingMethod,
		KeyIndicators:        normalized.KeyIndicators,
		IndicatorConfidences: normalized.IndicatorConfidences,
	}
}

// synthesizeFailure preserves ensemble structure when a model cannot vote:
// neutral confidence, failed depth, zero eventual weight.
func synthesizeFailure(slot modelSlot, err error, elapsed time.Duration) ModelResult {
	return ModelResult{
		ModelID:        slot.ModelID,
		ModelPriority:  slot.Priority,
		Confidence:     0.5,
		Techniques:     []string{},
		AnalysisDepth:  DepthFailed,
		ProcessingTime: elapsed,
		Error:          err.Error(),
	}
}

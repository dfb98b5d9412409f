// Package sourceverify assesses whether a media item's claimed source holds
// up: domain reputation against trusted/suspicious lists, URL reachability,
// page content against the claimed title and author, external
// cross-references, and the claim's own metadata. Subchecks are weighted
// into a composite score and bucketed into a verification status; checks
// that cannot run simply drop out of the average and lower the confidence.
package sourceverify

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// Subcheck weights. The composite is the weighted average over the subset
// that actually ran.
const (
	weightDomainReputation   = 0.30
	weightURLAccessibility   = 0.20
	weightContentConsistency = 0.25
	weightCrossReference     = 0.15
	weightMetadataValidation = 0.10
)

// Outbound request deadlines.
const (
	headTimeout  = 10 * time.Second
	fetchTimeout = 15 * time.Second
)

// Status buckets a composite score.
type Status string

const (
	StatusVerified       Status = "verified"
	StatusLikelyVerified Status = "likely_verified"
	StatusUnverified     Status = "unverified"
	StatusSuspicious     Status = "suspicious"
	StatusLikelyFake     Status = "likely_fake"
)

// statusFor buckets a composite score per the verification ladder.
func statusFor(score float64) Status {
	switch {
	case score >= 80:
		return StatusVerified
	case score >= 60:
		return StatusLikelyVerified
	case score >= 40:
		return StatusUnverified
	case score >= 20:
		return StatusSuspicious
	default:
		return StatusLikelyFake
	}
}

// SourceClaim is what the uploader asserts about where the media came from.
type SourceClaim struct {
	URL         string     `json:"url,omitempty"`
	Domain      string     `json:"domain,omitempty"`
	Title       string     `json:"title,omitempty"`
	Author      string     `json:"author,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

// DomainReputation is the domain subcheck result.
type DomainReputation struct {
	Domain     string   `json:"domain"`
	Listed     string   `json:"listed,omitempty"` // trusted | suspicious
	Categories []string `json:"categories,omitempty"`
	AgeDays    int      `json:"ageDays,omitempty"`
	SSLValid   *bool    `json:"sslValid,omitempty"`
	Score      float64  `json:"score"`
}

// URLAccessibility is the reachability subcheck result.
type URLAccessibility struct {
	Accessible  bool    `json:"accessible"`
	StatusCode  int     `json:"statusCode,omitempty"`
	FinalURL    string  `json:"finalUrl,omitempty"`
	ContentType string  `json:"contentType,omitempty"`
	Redirects   int     `json:"redirects,omitempty"`
	Error       string  `json:"error,omitempty"`
	Score       float64 `json:"score"`
}

// ContentConsistency is the page-content subcheck result.
type ContentConsistency struct {
	PageTitle     string  `json:"pageTitle,omitempty"`
	PageAuthor    string  `json:"pageAuthor,omitempty"`
	TitleJaccard  float64 `json:"titleJaccard"`
	AuthorJaccard float64 `json:"authorJaccard"`
	Overall       float64 `json:"overall"`
	Consistent    bool    `json:"consistent"`
	Score         float64 `json:"score"`
}

// CrossReference is the external corroboration subcheck result.
type CrossReference struct {
	SourcesChecked int      `json:"sourcesChecked"`
	Corroborating  []string `json:"corroborating,omitempty"`
	Score          float64  `json:"score"`
}

// MetadataValidation is the claim-sanity subcheck result.
type MetadataValidation struct {
	FieldsChecked int      `json:"fieldsChecked"`
	FieldsValid   int      `json:"fieldsValid"`
	Problems      []string `json:"problems,omitempty"`
	Score         float64  `json:"score"`
}

// Verification is the full result for one media item. Claim preserves the
// input as asserted; URL and Domain are the normalized forms the checks ran
// against.
type Verification struct {
	MediaID        string              `json:"mediaId"`
	Claim          SourceClaim         `json:"claim"`
	URL            string              `json:"url,omitempty"`
	Domain         string              `json:"domain,omitempty"`
	Status         Status              `json:"status"`
	CompositeScore float64             `json:"compositeScore"`
	Confidence     float64             `json:"confidence"`
	Reputation     *DomainReputation   `json:"reputation,omitempty"`
	Accessibility  *URLAccessibility   `json:"accessibility,omitempty"`
	Consistency    *ContentConsistency `json:"consistency,omitempty"`
	CrossRef       *CrossReference     `json:"crossRef,omitempty"`
	Metadata       *MetadataValidation `json:"metadata,omitempty"`
	CheckedAt      time.Time           `json:"checkedAt"`
}

// DomainIntel supplies domain age and certificate facts for the reputation
// adjustments. Implementations may consult WHOIS caches or TLS probes.
type DomainIntel interface {
	Lookup(ctx context.Context, domain string) (DomainFacts, error)
}

// DomainFacts is what DomainIntel knows about a domain. Zero values mean
// unknown and trigger no adjustment.
type DomainFacts struct {
	AgeDays  int
	SSLValid *bool
}

// CrossRefProvider corroborates a claim against external sources.
type CrossRefProvider interface {
	CrossReference(ctx context.Context, claim SourceClaim) (CrossReference, error)
}

// SharedLimiter coordinates outbound request budgets across workers, e.g.
// through a Redis token bucket.
type SharedLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// sharedLimiterKey buckets all outbound verification traffic together.
const sharedLimiterKey = "sourceverify:outbound"

// Verifier runs the weighted subcheck pipeline.
type Verifier struct {
	lists    ListSource
	intel    DomainIntel
	crossRef CrossRefProvider
	head     *http.Client
	fetch    *http.Client
	limiter  *rate.Limiter
	shared   SharedLimiter
	logger   *slog.Logger
	clock    func() time.Time
}

// NewVerifier wires a verifier over a reputation list source. Outbound
// requests default to 2 rps with a burst of 5.
func NewVerifier(lists ListSource, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		lists:   lists,
		head:    &http.Client{Timeout: headTimeout},
		fetch:   &http.Client{Timeout: fetchTimeout},
		limiter: rate.NewLimiter(rate.Limit(2), 5),
		logger:  logger.With("component", "sourceverify"),
		clock:   time.Now,
	}
}

// WithIntel wires domain age/TLS facts into the reputation adjustments.
func (v *Verifier) WithIntel(intel DomainIntel) *Verifier {
	v.intel = intel
	return v
}

// WithCrossRef wires an external corroboration provider.
func (v *Verifier) WithCrossRef(p CrossRefProvider) *Verifier {
	v.crossRef = p
	return v
}

// WithHTTPClients overrides the outbound clients, e.g. for tests.
func (v *Verifier) WithHTTPClients(head, fetch *http.Client) *Verifier {
	v.head = head
	v.fetch = fetch
	return v
}

// WithRateLimit replaces the local outbound limiter.
func (v *Verifier) WithRateLimit(l *rate.Limiter) *Verifier {
	v.limiter = l
	return v
}

// WithSharedLimiter adds a cross-worker outbound budget.
func (v *Verifier) WithSharedLimiter(s SharedLimiter) *Verifier {
	v.shared = s
	return v
}

// WithClock overrides the clock for deterministic tests.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify runs every subcheck the claim permits and folds the results into a
// composite score, status bucket, and confidence.
func (v *Verifier) Verify(ctx context.Context, mediaID string, claim SourceClaim) (Verification, error) {
	domain := claim.Domain
	var parsed *url.URL
	if claim.URL != "" {
		u, err := url.Parse(claim.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return Verification{}, fault.New(fault.CodeInputInvalid, "claimed url %q is not a fetchable http(s) url", claim.URL)
		}
		parsed = u
		if domain == "" {
			domain = strings.ToLower(u.Hostname())
		}
	}
	if domain == "" {
		return Verification{}, fault.New(fault.CodeInputInvalid, "source claim carries neither url nor domain")
	}

	out := Verification{
		MediaID:   mediaID,
		Claim:     claim,
		URL:       claim.URL,
		Domain:    domain,
		CheckedAt: v.clock().UTC(),
	}

	out.Reputation = v.checkDomainReputation(ctx, domain)
	if parsed != nil {
		if v.allowOutbound(ctx) {
			out.Accessibility = v.checkAccessibility(ctx, parsed)
		}
		if v.allowOutbound(ctx) {
			out.Consistency = v.checkConsistency(ctx, parsed, claim)
		}
	}
	if v.crossRef != nil && v.allowOutbound(ctx) {
		if ref, err := v.crossRef.CrossReference(ctx, claim); err != nil {
			v.logger.Warn("cross-reference check failed", "mediaId", mediaID, "error", err)
		} else {
			out.CrossRef = &ref
		}
	}
	out.Metadata = validateClaimMetadata(claim, v.clock().UTC())

	v.compose(&out)
	v.logger.Info("source verification complete",
		"mediaId", mediaID,
		"domain", domain,
		"status", string(out.Status),
		"composite", out.CompositeScore,
		"confidence", out.Confidence,
	)
	return out, nil
}

// allowOutbound consults the local limiter and any shared budget. A denied
// or failed budget check skips the subcheck rather than failing the
// verification.
func (v *Verifier) allowOutbound(ctx context.Context) bool {
	if !v.limiter.Allow() {
		if err := v.limiter.Wait(ctx); err != nil {
			return false
		}
	}
	if v.shared == nil {
		return true
	}
	allowed, err := v.shared.Allow(ctx, sharedLimiterKey)
	if err != nil {
		v.logger.Warn("shared limiter unavailable, skipping outbound check", "error", err)
		return false
	}
	return allowed
}

// compose folds available subchecks into the composite score, status, and
// confidence.
func (v *Verifier) compose(out *Verification) {
	type part struct {
		score  float64
		weight float64
		ran    bool
	}
	parts := []part{
		{ran: out.Reputation != nil, weight: weightDomainReputation},
		{ran: out.Accessibility != nil, weight: weightURLAccessibility},
		{ran: out.Consistency != nil, weight: weightContentConsistency},
		{ran: out.CrossRef != nil, weight: weightCrossReference},
		{ran: out.Metadata != nil, weight: weightMetadataValidation},
	}
	if out.Reputation != nil {
		parts[0].score = out.Reputation.Score
	}
	if out.Accessibility != nil {
		parts[1].score = out.Accessibility.Score
	}
	if out.Consistency != nil {
		parts[2].score = out.Consistency.Score
	}
	if out.CrossRef != nil {
		parts[3].score = out.CrossRef.Score
	}
	if out.Metadata != nil {
		parts[4].score = out.Metadata.Score
	}

	var sum, weightSum float64
	ran := 0
	for _, p := range parts {
		if !p.ran {
			continue
		}
		sum += p.score * p.weight
		weightSum += p.weight
		ran++
	}
	if weightSum > 0 {
		out.CompositeScore = sum / weightSum
	}
	out.Confidence = float64(ran) / 5
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	out.Status = statusFor(out.CompositeScore)
}

package sourceverify

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// StaticCrossRef corroborates claims against a fixed registry of external
// sources, each listing the domains it vouches for. Deployments without a
// live fact-check integration configure this from the deployment profile.
type StaticCrossRef struct {
	// Sources maps a source name to the domains it corroborates.
	Sources map[string][]string
}

// CrossReference reports which registry sources vouch for the claimed domain.
func (s StaticCrossRef) CrossReference(_ context.Context, claim SourceClaim) (CrossReference, error) {
	domain := strings.ToLower(claim.Domain)
	if domain == "" && claim.URL != "" {
		if u, err := url.Parse(claim.URL); err == nil {
			domain = strings.ToLower(u.Hostname())
		}
	}
	out := CrossReference{SourcesChecked: len(s.Sources)}
	for name, domains := range s.Sources {
		for _, d := range domains {
			if strings.ToLower(d) == domain {
				out.Corroborating = append(out.Corroborating, name)
				break
			}
		}
	}
	sort.Strings(out.Corroborating)
	if out.SourcesChecked > 0 {
		out.Score = float64(len(out.Corroborating)) / float64(out.SourcesChecked) * 100
	}
	return out, nil
}

const (
	maxTitleLength  = 500
	maxAuthorLength = 200
)

// earliestPlausiblePublication predates the claim window for any web-borne
// media; anything older is a fabricated timestamp.
var earliestPlausiblePublication = time.Date(1995, 1, 1, 0, 0, 0, 0, time.UTC)

// validateClaimMetadata sanity-checks the fields the claim actually asserts.
// Every asserted field is counted; the score is the valid fraction.
func validateClaimMetadata(claim SourceClaim, now time.Time) *MetadataValidation {
	out := &MetadataValidation{}

	check := func(valid bool, problem string) {
		out.FieldsChecked++
		if valid {
			out.FieldsValid++
			return
		}
		out.Problems = append(out.Problems, problem)
	}

	if claim.URL != "" {
		u, err := url.Parse(claim.URL)
		ok := err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
		check(ok, "url is not an absolute http(s) address")
	}
	if claim.Domain != "" {
		d := claim.Domain
		ok := strings.Contains(d, ".") && !strings.ContainsAny(d, " /\\") &&
			!strings.HasPrefix(d, ".") && !strings.HasSuffix(d, ".")
		check(ok, "domain is not a plausible hostname")
	}
	if claim.Title != "" {
		check(len(claim.Title) <= maxTitleLength, fmt.Sprintf("title exceeds %d characters", maxTitleLength))
	}
	if claim.Author != "" {
		check(len(claim.Author) <= maxAuthorLength, fmt.Sprintf("author exceeds %d characters", maxAuthorLength))
	}
	if claim.PublishedAt != nil {
		ts := claim.PublishedAt.UTC()
		switch {
		case ts.After(now):
			check(false, "publication date is in the future")
		case ts.Before(earliestPlausiblePublication):
			check(false, "publication date predates the web")
		default:
			check(true, "")
		}
	}

	if out.FieldsChecked > 0 {
		out.Score = float64(out.FieldsValid) / float64(out.FieldsChecked) * 100
	}
	return out
}

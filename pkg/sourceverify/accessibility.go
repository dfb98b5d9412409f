package sourceverify

import (
	"context"
	"net/http"
	"net/url"
)

// checkAccessibility issues a HEAD request, following redirects, and grades
// the final status.
func (v *Verifier) checkAccessibility(ctx context.Context, u *url.URL) *URLAccessibility {
	out := &URLAccessibility{}

	redirects := 0
	client := *v.head // shallow copy keeps the redirect counter per-call
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		redirects = len(via)
		if len(via) >= 10 {
			return http.ErrUseLastResponse
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	resp, err := client.Do(req)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	defer resp.Body.Close()

	out.StatusCode = resp.StatusCode
	out.FinalURL = resp.Request.URL.String()
	out.ContentType = resp.Header.Get("Content-Type")
	out.Redirects = redirects
	out.Accessible = resp.StatusCode >= 200 && resp.StatusCode < 300
	out.Score = accessibilityScore(resp.StatusCode)
	return out
}

// accessibilityScore grades an HTTP status for the composite. Gated content
// still proves the URL exists; missing content is nearly as damning as an
// unreachable host.
func accessibilityScore(status int) float64 {
	switch {
	case status >= 200 && status < 300:
		return 100
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return 40
	case status == http.StatusNotFound || status == http.StatusGone:
		return 10
	case status >= 500:
		return 30
	case status >= 300 && status < 400:
		return 70
	default:
		return 20
	}
}

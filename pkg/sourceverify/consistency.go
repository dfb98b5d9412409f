package sourceverify

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

const (
	// perCheckConsistent is the minimum token overlap for a single claimed
	// field to count as matching the page.
	perCheckConsistent = 0.8
	// overallConsistent is the minimum mean overlap across all claimed
	// fields.
	overallConsistent = 0.7
	// fetchBodyCap bounds how much page HTML the parser reads.
	fetchBodyCap = 2 << 20
)

// checkConsistency fetches the claimed page and compares its title and
// author metadata against the claim. Returns nil when the claim asserts
// nothing comparable or the page could not be read, so the composite skips
// the check rather than penalizing it.
func (v *Verifier) checkConsistency(ctx context.Context, u *url.URL, claim SourceClaim) *ContentConsistency {
	if claim.Title == "" && claim.Author == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "text/html")
	resp, err := v.fetch.Do(req)
	if err != nil {
		v.logger.Warn("content fetch failed", "url", u.String(), "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	title, author, err := extractTitleAuthor(io.LimitReader(resp.Body, fetchBodyCap))
	if err != nil {
		v.logger.Warn("content parse failed", "url", u.String(), "error", err)
		return nil
	}

	out := &ContentConsistency{PageTitle: title, PageAuthor: author}
	var scores []float64
	perCheckOK := true
	if claim.Title != "" {
		out.TitleJaccard = tokenJaccard(claim.Title, title)
		scores = append(scores, out.TitleJaccard)
		if out.TitleJaccard < perCheckConsistent {
			perCheckOK = false
		}
	}
	if claim.Author != "" {
		out.AuthorJaccard = tokenJaccard(claim.Author, author)
		scores = append(scores, out.AuthorJaccard)
		if out.AuthorJaccard < perCheckConsistent {
			perCheckOK = false
		}
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	out.Overall = sum / float64(len(scores))
	out.Consistent = perCheckOK && out.Overall >= overallConsistent
	out.Score = out.Overall * 100
	return out
}

// extractTitleAuthor pulls the first <title> text and the first author meta
// tag (name="author" or property="article:author") from an HTML document.
func extractTitleAuthor(r io.Reader) (title, author string, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				var name, property, content string
				for _, a := range n.Attr {
					switch a.Key {
					case "name":
						name = strings.ToLower(a.Val)
					case "property":
						property = strings.ToLower(a.Val)
					case "content":
						content = a.Val
					}
				}
				if author == "" && content != "" && (name == "author" || property == "article:author") {
					author = strings.TrimSpace(content)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, author, nil
}

// tokens lowercases, NFC-normalizes, strips punctuation, and splits a string
// into a token set. Unicode normalization keeps composed and decomposed
// accents from defeating the comparison.
func tokens(s string) map[string]bool {
	normalized := norm.NFC.String(strings.ToLower(s))
	fields := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// tokenJaccard is the token-set overlap between the claimed and observed
// strings. Two empty strings overlap perfectly; one empty side does not
// overlap at all.
func tokenJaccard(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

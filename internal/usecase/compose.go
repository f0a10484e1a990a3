package usecase

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"FeedPoster/internal/domain"
)

// TruncationMarker is appended to a shortened summary.
const TruncationMarker = "…"

const partSeparator = "\n\n"

// Composer renders length-bounded posts.
type Composer struct {
	maxLength int
}

// NewComposer returns a composer for posts of at most maxLength characters.
func NewComposer(maxLength int) *Composer {
	return &Composer{maxLength: maxLength}
}

// Compose builds the post text for item. Length is counted in runes after NFC
// normalization. Only the summary is ever shortened; the header and the URL
// are kept whole.
func (c *Composer) Compose(src domain.SourceDescriptor, summary string, item domain.CandidateItem) (string, error) {
	header := ""
	if src.Scored() {
		header = norm.NFC.String(scoredHeader(item))
	}
	link := norm.NFC.String(strings.TrimSpace(item.URL))
	body := norm.NFC.String(strings.TrimSpace(summary))

	fixed := joinParts(header, link)
	fixedLen := utf8.RuneCountInString(fixed)
	if c.maxLength > 0 && fixedLen > c.maxLength {
		return "", &domain.CompositionInvariantViolation{Length: fixedLen, Limit: c.maxLength}
	}

	if c.maxLength > 0 {
		budget := c.maxLength - fixedLen
		if fixed != "" {
			budget -= utf8.RuneCountInString(partSeparator)
		}
		body = fitSummary(body, budget)
	}

	text := joinParts(header, body, link)
	if n := utf8.RuneCountInString(text); c.maxLength > 0 && n > c.maxLength {
		return "", &domain.CompositionInvariantViolation{Length: n, Limit: c.maxLength}
	}
	return text, nil
}

func scoredHeader(item domain.CandidateItem) string {
	score := "CVSS N/A"
	if item.Severity != nil {
		score = fmt.Sprintf("CVSS %.1f | %s", *item.Severity, SeverityTier(*item.Severity))
	}
	return item.IdentityKey() + "\n" + score
}

// SeverityTier maps a CVSS base score to its qualitative rating.
func SeverityTier(score float64) string {
	switch {
	case score >= 9.0:
		return "CRITICAL"
	case score >= 7.0:
		return "HIGH"
	case score >= 4.0:
		return "MEDIUM"
	case score > 0:
		return "LOW"
	default:
		return "NONE"
	}
}

// fitSummary shortens s to budget runes including the marker. A budget too
// small to hold any text drops the summary.
func fitSummary(s string, budget int) string {
	if utf8.RuneCountInString(s) <= budget {
		return s
	}
	keep := budget - utf8.RuneCountInString(TruncationMarker)
	if keep <= 0 {
		return ""
	}
	cut := strings.TrimRight(TruncateRunes(s, keep), " \t\n")
	if cut == "" {
		return ""
	}
	return cut + TruncationMarker
}

func joinParts(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, partSeparator)
}

package domain

import "time"

// SourceKind classifies how a source's items are deduplicated and rendered.
type SourceKind string

const (
	// KindGeneric is a plain article feed identified by canonical URL.
	KindGeneric SourceKind = "generic"
	// KindScoredFeed carries a severity score and a cross-source identity (CVE id).
	KindScoredFeed SourceKind = "scored-feed"
)

// Source types accepted in configuration.
const (
	TypeRSS    = "rss"
	TypeNVDAPI = "nvd_api"
	TypeJVNRSS = "jvn_rss"
)

// KindForType maps a configured source type to its kind.
func KindForType(sourceType string) (SourceKind, bool) {
	switch sourceType {
	case TypeRSS:
		return KindGeneric, true
	case TypeNVDAPI, TypeJVNRSS:
		return KindScoredFeed, true
	default:
		return "", false
	}
}

// SourceDescriptor is the read-only configuration of a single source.
type SourceDescriptor struct {
	ID                     string
	Type                   string
	Kind                   SourceKind
	URL                    string
	Enabled                bool
	MaxItems               int
	SeverityThreshold      float64
	SkipExistingOnFirstRun bool
	ForceTestSummary       bool
}

// Scored reports whether items of this source carry severity and identity.
func (s SourceDescriptor) Scored() bool {
	return s.Kind == KindScoredFeed
}

// CandidateItem is a single entry yielded by a source adapter.
type CandidateItem struct {
	ID         string     `json:"id"`
	Title      string     `json:"title,omitempty"`
	RawText    string     `json:"raw_text"`
	URL        string     `json:"url"`
	Severity   *float64   `json:"severity,omitempty"`
	Identity   string     `json:"identity,omitempty"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

// SeverityScore returns the severity or zero when absent.
func (c CandidateItem) SeverityScore() float64 {
	if c.Severity == nil {
		return 0
	}
	return *c.Severity
}

// IdentityKey is the value used in the cross-source identity index.
func (c CandidateItem) IdentityKey() string {
	if c.Identity != "" {
		return c.Identity
	}
	return c.ID
}

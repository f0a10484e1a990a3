package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/ports"
)

// SummaryOutcome tells whether the summary came from the service.
type SummaryOutcome string

const (
	SummaryOK       SummaryOutcome = "ok"
	SummaryFallback SummaryOutcome = "fallback"
)

// TestSummary replaces the service output for force-test sources in dry runs.
const TestSummary = "[TEST SUMMARY]"

const (
	genericMaxLines    = 5
	genericMinLineRune = 12
	scoredMaxSentences = 6
)

// vulnerabilityKeywords select the sentences of a scored-feed body that carry
// impact, exploitation or disclosure signal.
var vulnerabilityKeywords = []string{
	"vulnerab", "exploit", "attack", "arbitrary", "remote", "execut", "inject",
	"overflow", "bypass", "disclos", "escalat", "privilege", "denial of service",
	"authenticat", "unauthori", "leak", "crash", "tamper", "xss", "csrf", "rce",
	"allows", "could",
	"脆弱性", "攻撃", "実行", "漏えい", "改ざん", "サービス運用妨害", "権限", "なりすまし", "任意",
}

// SummarizerSettings holds prompt and retry parameters.
type SummarizerSettings struct {
	Language      string
	MaxChars      int
	MaxInputChars int
	FallbackText  string
	Retry         RetryPolicy
}

// Summarizer trims item bodies, prompts the summarization service and applies
// the retry and fallback policy.
type Summarizer struct {
	service  ports.SummarizationService
	settings SummarizerSettings
	clock    ports.Clock
	rnd      func() float64
	logger   *slog.Logger
}

// NewSummarizer wires the service behind the summarization policy.
func NewSummarizer(service ports.SummarizationService, settings SummarizerSettings, clock ports.Clock, logger *slog.Logger) *Summarizer {
	if clock == nil {
		clock = SystemClock{}
	}
	if settings.FallbackText == "" {
		settings.FallbackText = "New issue detected; summary unavailable. See the link for details."
	}
	return &Summarizer{service: service, settings: settings, clock: clock, logger: logger}
}

// Summarize returns a summary bounded to MaxChars. A rate-limited service
// yields an error matching domain.ErrRateLimited and the caller must abort the
// source. Any other failure degrades to the fallback text.
func (s *Summarizer) Summarize(ctx context.Context, item domain.CandidateItem, kind domain.SourceKind) (string, SummaryOutcome, error) {
	body := TrimBody(item.RawText, kind, s.settings.MaxInputChars)
	if body == "" {
		body = item.Title
	}
	prompt := BuildPrompt(body, kind, item.IdentityKey(), s.settings.Language, s.settings.MaxChars)

	var text string
	attempts, err := retry(ctx, s.clock, s.settings.Retry, s.rnd,
		func(err error) bool { return domain.KindOf(err) == domain.ServiceTransient },
		func(attempt int, delay time.Duration, err error) {
			s.warn("summarizer unavailable, retrying", "item", item.ID, "attempt", attempt, "delay", delay, "error", err)
		},
		func(ctx context.Context) error {
			out, err := s.service.Generate(ctx, prompt)
			if err != nil {
				return err
			}
			out = strings.TrimSpace(out)
			if out == "" {
				return domain.NewServiceError("summarizer", domain.ServiceFatal, 0, errors.New("empty response"))
			}
			text = out
			return nil
		})

	switch {
	case err == nil:
		return TruncateRunes(text, s.settings.MaxChars), SummaryOK, nil
	case errors.Is(err, domain.ErrRateLimited):
		return "", "", err
	case ctx.Err() != nil:
		return "", "", fmt.Errorf("summarize %s: %w", item.ID, ctx.Err())
	}

	if domain.KindOf(err) == domain.ServiceTransient {
		err = &domain.TransientServiceError{Service: "summarizer", Attempts: attempts, Err: err}
	}
	s.warn("summarization failed, using fallback text", "item", item.ID, "attempts", attempts, "error", err)
	return TruncateRunes(s.settings.FallbackText, s.settings.MaxChars), SummaryFallback, nil
}

func (s *Summarizer) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

// BuildPrompt renders the summarization request for one item.
func BuildPrompt(body string, kind domain.SourceKind, identity, language string, maxChars int) string {
	if language == "" {
		language = "English"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the following text in %s in at most %d characters.\n", language, maxChars)
	b.WriteString("State facts only. Do not exaggerate or speculate.\n")
	if kind == domain.KindScoredFeed {
		b.WriteString("Focus on the affected product, the impact and how it can be exploited.\n")
		if identity != "" {
			fmt.Fprintf(&b, "Do not include the identifier %s in the summary; it is added separately.\n", identity)
		}
	}
	b.WriteString("Reply with the summary text only.\n\n")
	b.WriteString(body)
	return b.String()
}

// TrimBody concentrates the item text before summarization and caps it at
// maxRunes. Scored-feed bodies keep the sentences that mention impact or
// exploitation; generic bodies keep the first substantive lines.
func TrimBody(raw string, kind domain.SourceKind, maxRunes int) string {
	var out string
	if kind == domain.KindScoredFeed {
		out = trimScored(raw)
	} else {
		out = trimGeneric(raw)
	}
	if maxRunes > 0 {
		out = TruncateRunes(out, maxRunes)
	}
	return strings.TrimSpace(out)
}

func trimGeneric(raw string) string {
	var kept []string
	for _, line := range strings.Split(raw, "\n") {
		line = collapseSpaces(line)
		if line == "" {
			continue
		}
		if len(kept) > 0 && utf8.RuneCountInString(line) < genericMinLineRune {
			continue
		}
		kept = append(kept, line)
		if len(kept) == genericMaxLines {
			break
		}
	}
	return strings.Join(kept, "\n")
}

func trimScored(raw string) string {
	sentences := splitSentences(collapseSpaces(strings.ReplaceAll(raw, "\n", " ")))
	var kept []string
	for _, s := range sentences {
		if containsKeyword(s) {
			kept = append(kept, s)
			if len(kept) == scoredMaxSentences {
				break
			}
		}
	}
	if len(kept) == 0 {
		kept = sentences
		if len(kept) > scoredMaxSentences {
			kept = kept[:scoredMaxSentences]
		}
	}
	return strings.Join(kept, " ")
}

func containsKeyword(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, kw := range vulnerabilityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// splitSentences cuts after ASCII terminators followed by whitespace and after
// any full-width terminator.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i, r := range runes {
		cut := false
		switch r {
		case '。', '！', '？':
			cut = true
		case '.', '!', '?':
			cut = i+1 == len(runes) || unicode.IsSpace(runes[i+1])
		}
		if cut {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

package usecase

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FeedPoster/internal/domain"
)

func TestComposeGolden(t *testing.T) {
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))

	cases := []struct {
		name    string
		limit   int
		src     domain.SourceDescriptor
		summary string
		item    domain.CandidateItem
	}{
		{
			name:    "generic_short",
			limit:   300,
			src:     genericSource("go-blog"),
			summary: "Go 1.26 adds generic type aliases and faster maps.",
			item:    domain.CandidateItem{ID: "https://go.dev/blog/go1.26", URL: "https://go.dev/blog/go1.26"},
		},
		{
			name:    "generic_truncated",
			limit:   40,
			src:     genericSource("blog"),
			summary: "The quick brown fox jumps over the lazy dog",
			item:    domain.CandidateItem{ID: "a", URL: "https://e.org/a"},
		},
		{
			name:    "scored_critical",
			limit:   300,
			src:     scoredSource("nvd"),
			summary: "Example Server の認証処理に不備があり、遠隔の第三者が任意のコードを実行できる。",
			item:    cve("CVE-2026-0001", "CVE-2026-0001", 9.8),
		},
		{
			name:    "scored_without_score",
			limit:   300,
			src:     scoredSource("nvd"),
			summary: "  Details pending vendor analysis.\n",
			item: domain.CandidateItem{
				ID:       "CVE-2026-0002",
				URL:      "https://nvd.nist.gov/vuln/detail/CVE-2026-0002",
				Identity: "CVE-2026-0002",
			},
		},
		{
			name:    "scored_truncated_ja",
			limit:   80,
			src:     scoredSource("jvn"),
			summary: "複数の製品にクロスサイトスクリプティングの脆弱性が存在し、細工されたページを閲覧すると任意のスクリプトが実行される可能性がある。",
			item: domain.CandidateItem{
				ID:       "JVNVU#90000001",
				URL:      "https://jvn.jp/vu/JVNVU90000001/",
				Identity: "CVE-2026-0003",
				Severity: score(7.5),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text, err := NewComposer(tc.limit).Compose(tc.src, tc.summary, tc.item)
			require.NoError(t, err)
			assert.LessOrEqual(t, utf8.RuneCountInString(text), tc.limit)
			g.Assert(t, tc.name, []byte(text))
		})
	}
}

func TestComposeNeverCutsFixedParts(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	words := []string{"remote", "攻撃者", "code", "実行", "overflow", "été", "🙂", "bypass"}

	for i := 0; i < 500; i++ {
		var b strings.Builder
		for n := rnd.IntN(80); n > 0; n-- {
			b.WriteString(words[rnd.IntN(len(words))])
			b.WriteByte(' ')
		}
		identity := fmt.Sprintf("CVE-2026-%04d", i)
		item := cve(identity, identity, float64(rnd.IntN(101))/10)
		limit := 90 + rnd.IntN(250)

		text, err := NewComposer(limit).Compose(scoredSource("nvd"), b.String(), item)
		require.NoError(t, err)

		assert.LessOrEqual(t, utf8.RuneCountInString(text), limit)
		assert.True(t, strings.HasPrefix(text, identity+"\nCVSS "), text)
		assert.True(t, strings.HasSuffix(text, "\n\n"+item.URL), text)
	}
}

func TestComposeCountsNormalizedRunes(t *testing.T) {
	decomposed := strings.Repeat("e\u0301", 10)
	text, err := NewComposer(23).Compose(genericSource("s"), decomposed, domain.CandidateItem{URL: "https://x.y"})
	require.NoError(t, err)

	assert.Equal(t, strings.Repeat("\u00e9", 10)+"\n\nhttps://x.y", text)
}

func TestComposeDropsSummaryWhenNoRoomLeft(t *testing.T) {
	url := "https://example.org/very/long/path"
	text, err := NewComposer(utf8.RuneCountInString(url)+1).Compose(genericSource("s"), "anything", domain.CandidateItem{URL: url})
	require.NoError(t, err)
	assert.Equal(t, url, text)
}

func TestComposeInvariantViolation(t *testing.T) {
	item := domain.CandidateItem{URL: "https://example.org/" + strings.Repeat("x", 50)}

	_, err := NewComposer(30).Compose(genericSource("s"), "summary", item)

	var violation *domain.CompositionInvariantViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, 30, violation.Limit)
	assert.ErrorIs(t, err, domain.ErrCompositionInvariant)
}

func TestSeverityTier(t *testing.T) {
	cases := map[float64]string{
		10.0: "CRITICAL",
		9.0:  "CRITICAL",
		8.9:  "HIGH",
		7.0:  "HIGH",
		6.9:  "MEDIUM",
		4.0:  "MEDIUM",
		3.9:  "LOW",
		0.1:  "LOW",
		0:    "NONE",
	}
	for in, want := range cases {
		assert.Equal(t, want, SeverityTier(in), "score %.1f", in)
	}
}

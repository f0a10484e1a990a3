package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/scanner"
)

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example Blog</title>
  <item>
    <title>Structured logging lands</title>
    <link>https://Example.org/posts/slog?utm_source=rss&amp;utm_medium=feed#top</link>
    <description><![CDATA[<p>The new release ships <b>slog</b> handlers.</p><script>track()</script><p>Upgrade today.</p>]]></description>
    <pubDate>Sun, 01 Mar 2026 10:00:00 +0000</pubDate>
  </item>
  <item>
    <title>Body from page</title>
    <link>LINK_PLACEHOLDER</link>
    <pubDate>Sun, 01 Mar 2026 09:00:00 +0000</pubDate>
  </item>
  <item>
    <title>No link</title>
  </item>
</channel>
</rss>`

func TestRSSScannerScan(t *testing.T) {
	t.Parallel()

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/feed.xml":
			if ua := r.Header.Get("User-Agent"); ua != "FeedPoster-test" {
				t.Errorf("unexpected user agent %q", ua)
			}
			_, _ = w.Write([]byte(strings.Replace(rssFixture, "LINK_PLACEHOLDER", server.URL+"/article", 1)))
		case "/article":
			_, _ = w.Write([]byte(`<html><head><style>p{}</style></head><body><nav>menu</nav><p>First paragraph.</p><p>Second paragraph.</p></body></html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	sc := NewRSSScanner(HTTPOptions{Client: server.Client(), UserAgent: "FeedPoster-test"}, nil)
	items, err := sc.Scan(context.Background(), scanner.Request{
		Source: domain.SourceDescriptor{ID: "blog", Type: domain.TypeRSS, URL: server.URL + "/feed.xml"},
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	first := items[0]
	if first.ID != "https://example.org/posts/slog" {
		t.Fatalf("unexpected canonical id: %s", first.ID)
	}
	if first.RawText != "Structured logging lands\nThe new release ships slog handlers.\nUpgrade today." {
		t.Fatalf("unexpected raw text: %q", first.RawText)
	}
	wantTime := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	if first.ObservedAt == nil || !first.ObservedAt.Equal(wantTime) {
		t.Fatalf("unexpected observed time: %v", first.ObservedAt)
	}

	if items[1].RawText != "Body from page\nFirst paragraph.\nSecond paragraph." {
		t.Fatalf("unexpected page text: %q", items[1].RawText)
	}
}

func TestRSSScannerUpstreamError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sc := NewRSSScanner(HTTPOptions{Client: server.Client()}, nil)
	_, err := sc.Scan(context.Background(), scanner.Request{Source: domain.SourceDescriptor{ID: "blog", URL: server.URL}})
	if err == nil {
		t.Fatal("expected error for 503 feed")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("error should carry the status: %v", err)
	}
}

func TestCanonicalURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://Example.ORG/a?utm_campaign=x&id=7#frag": "https://example.org/a?id=7",
		"https://example.org/a?fbclid=abc":               "https://example.org/a",
		"  https://example.org/a  ":                      "https://example.org/a",
		"not a url":                                      "not a url",
	}
	for in, want := range cases {
		if got := CanonicalURL(in); got != want {
			t.Fatalf("CanonicalURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTMLToText(t *testing.T) {
	t.Parallel()

	got := HTMLToText("<div><style>.x{}</style>Intro</div><ul><li>one</li><li>two  words</li></ul>")
	if got != "one\ntwo words" {
		t.Fatalf("unexpected text: %q", got)
	}

	if got := HTMLToText("plain   text\n\n second"); got != "plain text\nsecond" {
		t.Fatalf("unexpected plain text: %q", got)
	}
}

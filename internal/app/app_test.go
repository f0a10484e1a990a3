package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"FeedPoster/internal/config"
	"FeedPoster/internal/domain"
	"FeedPoster/internal/logging"
)

const feed = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>t</title>
<item><title>Release notes</title><link>https://example.org/release</link>
<description>A long enough description of the release.</description></item>
</channel></rss>`

func testConfig(t *testing.T, feedURL, summarizerURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.State.Path = filepath.Join(t.TempDir(), "state.json")
	cfg.Summarizer.Provider = "http"
	cfg.Summarizer.Endpoint = summarizerURL
	cfg.Publisher.Provider = "telegram"
	cfg.Publisher.LinkPreview = false
	cfg.Sites = config.SiteList{{ID: "blog", Type: "rss", URL: feedURL}}
	return cfg
}

func TestApplicationDryRun(t *testing.T) {
	t.Parallel()

	var summaries atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/feed":
			_, _ = w.Write([]byte(feed))
		case "/summarize":
			summaries.Add(1)
			_, _ = w.Write([]byte(`{"summary":"A release shipped."}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL+"/feed", server.URL)
	a, err := New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer a.Close()

	report, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(report.Sources) != 1 || report.Sources[0].Fetched != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Committed {
		t.Fatal("dry run must not commit state")
	}
	if summaries.Load() != 1 {
		t.Fatalf("expected one summary request, got %d", summaries.Load())
	}
	if _, err := os.Stat(cfg.State.Path); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote state: %v", err)
	}
}

func TestApplicationShowState(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://example.org/feed", "http://127.0.0.1:0")
	if err := os.WriteFile(cfg.State.Path, []byte(`["CVE-2025-0001"]`), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}

	a, err := New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	var out bytes.Buffer
	if err := a.ShowState(context.Background(), &out); err != nil {
		t.Fatalf("ShowState error: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte(`"CVE-2025-0001"`)) || !bytes.Contains(out.Bytes(), []byte(`"version": 1`)) {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	raw, err := os.ReadFile(cfg.State.Path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if string(raw) != `["CVE-2025-0001"]` {
		t.Fatalf("state show must not rewrite the document, got %s", raw)
	}
}

func TestApplicationShowStateLeavesCorruptFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://example.org/feed", "http://127.0.0.1:0")
	if err := os.WriteFile(cfg.State.Path, []byte(`{"version": 1, "sources": {`), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}

	a, err := New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	err = a.ShowState(context.Background(), &bytes.Buffer{})
	var corrupt *domain.StateCorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected StateCorruptionError, got %v", err)
	}
	if _, err := os.Stat(cfg.State.Path); err != nil {
		t.Fatalf("corrupt document must stay in place: %v", err)
	}
	matches, _ := filepath.Glob(cfg.State.Path + ".corrupt-*")
	if len(matches) != 0 {
		t.Fatalf("unexpected moved-aside files: %v", matches)
	}
}

func TestNewRequiresSummarizerInProd(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://example.org/feed", "")
	cfg.Settings.Mode = config.ModeProd
	if _, err := New(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatal("prod mode without a summarizer endpoint must fail")
	}
}

package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/scanner"
)

const jvnFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rdf:RDF xmlns="http://purl.org/rss/1.0/"
  xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#"
  xmlns:dc="http://purl.org/dc/elements/1.1/"
  xmlns:dcterms="http://purl.org/dc/terms/"
  xmlns:sec="http://jvn.jp/rss/mod_sec/3.0/">
  <channel rdf:about="https://jvndb.jvn.jp/ja/rss/jvndb_new.rdf">
    <title>JVN iPedia</title>
    <link>https://jvndb.jvn.jp/</link>
    <description>new entries</description>
  </channel>
  <item rdf:about="https://jvndb.jvn.jp/ja/contents/2026/JVNDB-2026-000101.html">
    <title>Example Router における認証回避の脆弱性</title>
    <link>https://jvndb.jvn.jp/ja/contents/2026/JVNDB-2026-000101.html</link>
    <description>Example Router には認証回避の脆弱性が存在します。</description>
    <sec:identifier>JVNDB-2026-000101</sec:identifier>
    <sec:cvss score="5.0" severity="Medium" vector="AV:N/AC:L/Au:N/C:P/I:N/A:N" version="2.0" type="Base" />
    <sec:cvss score="9.8" severity="Critical" vector="CVSS:3.0/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H" version="3.0" type="Base" />
    <sec:references source="JVN" id="JVNVU#90000101">https://jvn.jp/vu/JVNVU90000101/</sec:references>
    <sec:references source="CVE" id="cve-2026-10101">https://www.cve.org/CVERecord?id=CVE-2026-10101</sec:references>
    <dc:date>2026-03-01T18:00+09:00</dc:date>
    <dcterms:issued>2026-03-01T18:00+09:00</dcterms:issued>
  </item>
  <item rdf:about="https://jvndb.jvn.jp/ja/contents/2026/JVNDB-2026-000102.html">
    <title>CVE のない項目</title>
    <link>https://jvndb.jvn.jp/ja/contents/2026/JVNDB-2026-000102.html</link>
    <description>詳細は未定です。</description>
    <sec:identifier>JVNDB-2026-000102</sec:identifier>
  </item>
</rdf:RDF>`

func TestJVNScannerScan(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rdf+xml")
		_, _ = w.Write([]byte(jvnFixture))
	}))
	defer server.Close()

	sc := NewJVNScanner(HTTPOptions{Client: server.Client()}, nil)
	items, err := sc.Scan(context.Background(), scanner.Request{
		Source: domain.SourceDescriptor{ID: "jvn", Type: domain.TypeJVNRSS, Kind: domain.KindScoredFeed, URL: server.URL},
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	first := items[0]
	if first.ID != "JVNDB-2026-000101" {
		t.Fatalf("unexpected id: %s", first.ID)
	}
	if first.Identity != "CVE-2026-10101" {
		t.Fatalf("unexpected identity: %s", first.Identity)
	}
	if first.Severity == nil || *first.Severity != 9.8 {
		t.Fatalf("expected CVSS v3 score 9.8, got %v", first.Severity)
	}
	want := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	if first.ObservedAt == nil || !first.ObservedAt.Equal(want) {
		t.Fatalf("unexpected observed time: %v", first.ObservedAt)
	}

	second := items[1]
	if second.Identity != "JVNDB-2026-000102" {
		t.Fatalf("identity should fall back to the JVNDB id, got %s", second.Identity)
	}
	if second.Severity != nil {
		t.Fatalf("expected no score, got %v", *second.Severity)
	}
}

package parser

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const textBlocks = "p, li, h1, h2, h3, h4, pre, td"

// trackingParams are stripped from canonical URLs.
var trackingParams = []string{"fbclid", "gclid", "mc_cid", "mc_eid", "ref_src"}

// HTMLToText flattens an HTML fragment to one line per text block. Script,
// style and noscript content is dropped.
func HTMLToText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return collapseLines(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return collapseLines(fragment)
	}
	return documentText(doc.Selection)
}

func documentText(sel *goquery.Selection) string {
	sel.Find("script, style, noscript").Remove()

	blocks := sel.Find(textBlocks)
	if blocks.Length() == 0 {
		return collapseLines(sel.Text())
	}

	var lines []string
	blocks.Each(func(_ int, s *goquery.Selection) {
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			lines = append(lines, t)
		}
	})
	return strings.Join(lines, "\n")
}

func collapseLines(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if t := strings.Join(strings.Fields(line), " "); t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n")
}

// CanonicalURL normalizes an article link for use as an item id: lower-case
// scheme and host, no fragment, no tracking parameters.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if strings.HasPrefix(strings.ToLower(key), "utm_") {
				q.Del(key)
			}
		}
		for _, key := range trackingParams {
			q.Del(key)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

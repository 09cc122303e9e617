// Package parser extracts outbound links from HTML pages and URLs from
// sitemap documents.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

var skippedSchemes = []string{"javascript:", "mailto:", "tel:", "data:", "about:"}

// Extractor implements crawler.LinkExtractor with goquery.
type Extractor struct {
	// MaxLinks caps links returned per page. Zero means no cap.
	MaxLinks int
}

// New returns an Extractor.
func New(maxLinks int) *Extractor {
	return &Extractor{MaxLinks: maxLinks}
}

// Extract returns the absolute http(s) links found in anchor tags, resolved
// against the page URL (or its <base href>). Hrefs that cannot be resolved
// are reported as malformed.
func (e *Extractor) Extract(body []byte, baseURL string) (crawler.Extraction, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return crawler.Extraction{}, &crawler.ParseError{URL: baseURL, Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Extraction{}, &crawler.ParseError{URL: baseURL, Err: err}
	}

	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil && resolved.Host != "" {
			base = resolved
		}
	}

	var out crawler.Extraction
	seen := make(map[string]struct{})
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		link, ok, malformed := resolve(base, href)
		if malformed {
			out.Malformed = append(out.Malformed, href)
			return true
		}
		if !ok {
			return true
		}
		if _, dup := seen[link]; dup {
			return true
		}
		seen[link] = struct{}{}
		out.Links = append(out.Links, link)
		return e.MaxLinks <= 0 || len(out.Links) < e.MaxLinks
	})
	return out, nil
}

// resolve turns href into an absolute URL. ok is false for hrefs that are
// skipped on purpose; malformed is true for hrefs that cannot be resolved.
func resolve(base *url.URL, href string) (link string, ok bool, malformed bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false, false
	}
	lower := strings.ToLower(href)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return "", false, false
		}
	}
	u, err := base.Parse(href)
	if err != nil {
		return "", false, true
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false, false
	}
	if u.Host == "" {
		return "", false, true
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true, false
}

// SitemapLocations returns the <loc> entries of a sitemap or sitemap index.
func SitemapLocations(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	var locs []string
	doc.Find("loc").Each(func(_ int, s *goquery.Selection) {
		if loc := strings.TrimSpace(s.Text()); loc != "" {
			locs = append(locs, loc)
		}
	})
	return locs, nil
}

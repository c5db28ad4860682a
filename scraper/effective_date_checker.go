// backend/scraper/effective_date_checker.go
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/config"
	"github.com/gewnthar/aplsync/models"
)

const defaultLinkSelector = `a[href$=".xlsx"], a[href$=".xls"], a[href$=".csv"], a[href$=".txt"]`

// Matches "Effective 10/01/2025", "Effective Date: 10/1/2025" and "effective as of 10/01/2025".
var effectiveDateRegex = regexp.MustCompile(`(?i)effective(?:\s+date)?(?:\s+as\s+of)?\s*:?\s*(\d{1,2}/\d{1,2}/\d{4})`)

const pageDateLayout = "1/2/2006"

// parseEffectiveDateString extracts the first announced effective date from a block of text.
func parseEffectiveDateString(text string) (time.Time, string, error) {
	matches := effectiveDateRegex.FindStringSubmatch(text)
	if len(matches) < 2 {
		return time.Time{}, "", fmt.Errorf("no 'Effective MM/DD/YYYY' pattern found")
	}
	t, err := time.Parse(pageDateLayout, matches[1])
	if err != nil {
		return time.Time{}, matches[0], fmt.Errorf("failed to parse effective date %q: %w", matches[1], err)
	}
	return t, strings.TrimSpace(matches[0]), nil
}

// Discover scrapes a source's landing page for the current file link and its
// announced effective date. A missing date is not an error; a missing link is.
func (f *Fetcher) Discover(ctx context.Context, src config.SourceConfig) (*models.SourceEffectiveInfo, error) {
	f.logger.Info("Checking landing page for current APL file",
		zap.String("source", src.Name), zap.String("landing_page", src.LandingPage))

	page, err := f.Download(ctx, src.LandingPage, src)
	if err != nil {
		return nil, fmt.Errorf("failed to get landing page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML from %s: %w", src.LandingPage, err)
	}

	info := &models.SourceEffectiveInfo{
		SourceName:  src.Name,
		LastChecked: f.now().UTC(),
	}

	linkSelector := src.LinkSelector
	if linkSelector == "" {
		linkSelector = defaultLinkSelector
	}
	href, ok := doc.Find(linkSelector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return nil, fmt.Errorf("no file link matching %q on %s", linkSelector, src.LandingPage)
	}
	info.FileURL, err = resolveLink(src.LandingPage, strings.TrimSpace(href))
	if err != nil {
		return nil, err
	}

	dateSelector := src.EffectiveDateSelector
	if dateSelector == "" {
		dateSelector = "body"
	}
	var found bool
	doc.Find(dateSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		from, raw, err := parseEffectiveDateString(s.Text())
		if err != nil {
			return true
		}
		info.EffectiveFrom = &from
		info.RawDateString = raw
		found = true
		return false
	})
	if !found {
		f.logger.Warn("No effective date announced on landing page",
			zap.String("source", src.Name), zap.String("selector", dateSelector))
	}

	f.logger.Info("Discovered current APL file",
		zap.String("source", src.Name),
		zap.String("file_url", info.FileURL),
		zap.String("effective", info.RawDateString))
	return info, nil
}

func resolveLink(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid landing page URL %s: %w", base, err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("invalid file link %q: %w", href, err)
	}
	return b.ResolveReference(ref).String(), nil
}

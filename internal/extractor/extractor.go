package extractor

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"support-kb-backend/models"
)

// Container selectors tried in order against the full document. The list is
// drawn from common help-desk theme conventions; the generic semantic
// selectors come last because portal chrome often nests inside them.
var containerSelectors = []string{
	"div.article-body",
	"div.description-text",
	"div.g-content",
	"article",
	"main",
	"[role='main']",
	".main-content",
	"#content",
}

// Class/id fragments that mark navigation chrome rather than content.
var excludedMarkers = []string{
	"nav", "menu", "header", "footer", "sidebar", "breadcrumb", "cookie",
}

// Elements removed from a selected container before text extraction.
const strippedElements = "script, style, form, button, nav, header, footer"

const (
	// Floor for the largest-block fallback so boilerplate snippets don't win.
	fallbackMinLength = 100
	noTitle           = "No Title"
	visualSeparator   = "--- Visual Context ---"
)

// Extractor turns parsed article documents into content records.
type Extractor struct {
	annotator *Annotator
	minLength int
}

func New(annotator *Annotator, minLength int) *Extractor {
	return &Extractor{annotator: annotator, minLength: minLength}
}

// Extract locates the main content region of an article page and returns the
// finished record. The second return is false when no usable content was
// found; the caller drops the URL.
func (e *Extractor) Extract(ctx context.Context, doc *goquery.Document, pageURL string) (models.ContentRecord, bool) {
	title := extractTitle(doc)

	container := findContainer(doc)
	if container == nil {
		return models.ContentRecord{}, false
	}

	// Annotate before stripping so images inside removed regions still get
	// captioned if they were in the selected container at selection time.
	annotation := ""
	if e.annotator != nil {
		annotation = e.annotator.Annotate(ctx, container, pageURL)
	}

	container.Find(strippedElements).Remove()
	body := collapseText(container.Text())

	if annotation != "" {
		body = body + "\n\n" + visualSeparator + "\n" + annotation
	}

	// Thresholds count characters, not bytes; extracted articles may be in
	// any language.
	if utf8.RuneCountInString(body) < e.minLength {
		return models.ContentRecord{}, false
	}

	return models.ContentRecord{
		Title:     title,
		Body:      body,
		SourceURL: pageURL,
	}, true
}

// extractTitle never fails: missing headings fall through to a placeholder.
func extractTitle(doc *goquery.Document) string {
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	if h2 := strings.TrimSpace(doc.Find("h2.article-title").First().Text()); h2 != "" {
		return h2
	}
	return noTitle
}

// findContainer runs the selector chain; the largest-block scan is the final
// strategy in the same chain, not special-cased control flow.
func findContainer(doc *goquery.Document) *goquery.Selection {
	for _, selector := range containerSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() > 0 && strings.TrimSpace(sel.Text()) != "" {
			return sel
		}
	}
	return largestContentBlock(doc)
}

// largestContentBlock scans styled block elements and picks the one with the
// greatest text length above the floor, excluding blocks whose class or id
// names suggest navigation chrome. Help-center themes vary too widely for any
// fixed selector list to be exhaustive.
func largestContentBlock(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestLen := 0

	doc.Find("div[class], div[id], section[class]").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		id, _ := s.Attr("id")
		if hasExcludedMarker(class) || hasExcludedMarker(id) {
			return
		}
		textLen := utf8.RuneCountInString(strings.TrimSpace(s.Text()))
		if textLen >= fallbackMinLength && textLen > bestLen {
			best = s
			bestLen = textLen
		}
	})

	return best
}

func hasExcludedMarker(attr string) bool {
	lower := strings.ToLower(attr)
	for _, marker := range excludedMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// collapseText trims every line, drops blanks and rejoins with single
// newlines, preserving document order.
func collapseText(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

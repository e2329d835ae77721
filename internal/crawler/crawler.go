package crawler

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"support-kb-backend/internal/fetcher"
	"support-kb-backend/internal/logger"
)

// Path markers used to classify anchors on listing pages. Help-desk portals
// keep this hierarchy stable even when themes differ.
const (
	folderMarker   = "/support/solutions/folders/"
	categoryMarker = "/support/solutions/categories/"
	articleMarker  = "/support/solutions/articles/"

	solutionsPath = "/support/solutions"
)

// Options tunes one crawl run. FolderDelay paces folder fetches so the remote
// host's abuse protection stays quiet.
type Options struct {
	FolderDelay  time.Duration
	ListingPaths map[string]string
}

// SolutionsURL derives the solutions listing URL from the resolved home URL.
// A host-specific override wins; otherwise a leading locale path segment
// (e.g. /en, /fr) is preserved in front of the standard listing path.
func SolutionsURL(homeURL string, overrides map[string]string) string {
	parsed, err := url.Parse(homeURL)
	if err != nil {
		return homeURL
	}

	base := parsed.Scheme + "://" + parsed.Host
	if overrides != nil {
		if path, ok := overrides[strings.ToLower(parsed.Hostname())]; ok {
			return base + path
		}
	}

	if locale := localePrefix(parsed.Path); locale != "" {
		return base + "/" + locale + solutionsPath
	}
	return base + solutionsPath
}

// localePrefix returns a leading two-letter path segment, if any.
func localePrefix(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) > 0 && len(segments[0]) == 2 {
		return segments[0]
	}
	return ""
}

// CrawlSite walks one help-center root and returns the deduplicated set of
// article URLs reachable through its category/folder hierarchy. Every failure
// below the home page is per-item: logged and skipped, never fatal.
func CrawlSite(ctx context.Context, f *fetcher.Fetcher, root string, opts Options) []string {
	homeDoc, homeURL, err := f.Fetch(ctx, root)
	if err != nil {
		logger.Warn("site root unreachable, skipping site", "root", root, "error", err.Error())
		return nil
	}

	indexURL := SolutionsURL(homeURL, opts.ListingPaths)
	indexDoc, indexBase, err := f.Fetch(ctx, indexURL)
	if err != nil {
		// The listing page is the usual entry point, but some portals link
		// folders straight from the home page.
		logger.Warn("solutions index unreachable, scanning home page links",
			"index", indexURL, "error", err.Error())
		indexDoc, indexBase = homeDoc, homeURL
	}

	folders := collectFolders(ctx, f, indexDoc, indexBase)

	articles := newURLSet()
	for i, folderURL := range folders {
		if ctx.Err() != nil {
			break
		}
		folderDoc, folderBase, err := f.Fetch(ctx, folderURL)
		if err != nil {
			logger.Warn("folder unreachable, skipping", "folder", folderURL, "error", err.Error())
			continue
		}
		found := 0
		eachAnchor(folderDoc, folderBase, articleMarker, func(u string) {
			if articles.add(u) {
				found++
			}
		})
		logger.Debug("scanned folder", "folder", folderURL,
			"progress", i+1, "of", len(folders), "new_articles", found)

		if opts.FolderDelay > 0 && i < len(folders)-1 {
			select {
			case <-time.After(opts.FolderDelay):
			case <-ctx.Done():
			}
		}
	}

	urls := articles.slice()
	logger.Info("site crawl complete", "root", root, "articles", len(urls))
	return urls
}

// collectFolders classifies the index page's anchors: direct folder links are
// taken as-is, category links cost one more hop to gather their folders. The
// result set is deduplicated so folders referenced from both the index and a
// category are fetched once.
func collectFolders(ctx context.Context, f *fetcher.Fetcher, indexDoc *goquery.Document, baseURL string) []string {
	folders := newURLSet()
	categories := newURLSet()

	eachAnchor(indexDoc, baseURL, folderMarker, func(u string) { folders.add(u) })
	eachAnchor(indexDoc, baseURL, categoryMarker, func(u string) { categories.add(u) })

	for _, categoryURL := range categories.slice() {
		if ctx.Err() != nil {
			break
		}
		catDoc, catBase, err := f.Fetch(ctx, categoryURL)
		if err != nil {
			logger.Warn("category unreachable, skipping", "category", categoryURL, "error", err.Error())
			continue
		}
		eachAnchor(catDoc, catBase, folderMarker, func(u string) { folders.add(u) })
	}

	return folders.slice()
}

// CrawlAll crawls each configured site root independently and in parallel;
// per-root results share no state and are merged only after every root's
// crawl has completed.
func CrawlAll(ctx context.Context, f *fetcher.Fetcher, roots []string, opts Options) []string {
	perRoot := make([][]string, len(roots))

	var wg sync.WaitGroup
	for i, root := range roots {
		wg.Add(1)
		go func(i int, root string) {
			defer wg.Done()
			perRoot[i] = CrawlSite(ctx, f, root, opts)
		}(i, root)
	}
	wg.Wait()

	merged := newURLSet()
	for _, urls := range perRoot {
		for _, u := range urls {
			merged.add(u)
		}
	}
	return merged.slice()
}

// eachAnchor calls fn with the normalized absolute URL of every anchor whose
// href contains the marker.
func eachAnchor(doc *goquery.Document, baseURL, marker string, fn func(string)) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return
	}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" || !strings.Contains(href, marker) {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		normalized, err := NormalizeURL(abs)
		if err != nil {
			return
		}
		fn(normalized)
	})
}

// NormalizeURL canonicalizes a URL for duplicate detection: lowercased scheme
// and host, fragment removed, trailing slash trimmed for non-root paths.
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	parsed.Fragment = ""

	path := parsed.Path
	if path == "" {
		path = "/"
	} else if path != "/" {
		path = strings.TrimSuffix(path, "/")
		if path == "" {
			path = "/"
		}
	}
	parsed.Path = path

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)

	if parsed.Port() == "80" && parsed.Scheme == "http" {
		host, _, _ := strings.Cut(parsed.Host, ":")
		parsed.Host = host
	}
	if parsed.Port() == "443" && parsed.Scheme == "https" {
		host, _, _ := strings.Cut(parsed.Host, ":")
		parsed.Host = host
	}

	return parsed.String(), nil
}

// urlSet is an insertion-ordered string set.
type urlSet struct {
	seen  map[string]struct{}
	order []string
}

func newURLSet() *urlSet {
	return &urlSet{seen: make(map[string]struct{})}
}

func (s *urlSet) add(u string) bool {
	if _, ok := s.seen[u]; ok {
		return false
	}
	s.seen[u] = struct{}{}
	s.order = append(s.order, u)
	return true
}

func (s *urlSet) slice() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// SortedURLs is a convenience for deterministic output in logs and tests.
func SortedURLs(urls []string) []string {
	out := make([]string, len(urls))
	copy(out, urls)
	sort.Strings(out)
	return out
}

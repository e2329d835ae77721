package fetcher

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
)

// ErrAuthWall marks pages behind a login: treated the same as unreachable,
// never retried.
var ErrAuthWall = errors.New("page requires authentication")

// StatusError reports a non-200 response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

var authPathMarkers = []string{"/login", "/signin", "/sign-in", "/sessions/new"}

// Fetcher performs GET requests with browser-like headers and returns parsed
// documents. It has no state beyond the shared HTTP client.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

func New(timeout time.Duration, userAgent string) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableCompression: false,
			},
		},
		userAgent: userAgent,
	}
}

// Fetch GETs the URL and returns the parsed document plus the resolved final
// URL after redirects. Auth walls, non-200 statuses and network errors each
// come back as distinct failures; none are retried here.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*goquery.Document, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	f.setBrowserHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, finalURL, fmt.Errorf("%s: %w", rawURL, ErrAuthWall)
	}
	if isAuthPath(resp.Request.URL.Path) {
		return nil, finalURL, fmt.Errorf("%s redirected to %s: %w", rawURL, finalURL, ErrAuthWall)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, finalURL, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, finalURL, fmt.Errorf("decoding body of %s: %w", rawURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, finalURL, fmt.Errorf("parsing %s: %w", rawURL, err)
	}
	return doc, finalURL, nil
}

// FetchBytes downloads at most limit bytes, for image retrieval. Returns the
// raw bytes and the Content-Type header.
func (f *Fetcher) FetchBytes(ctx context.Context, rawURL string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &StatusError{Code: resp.StatusCode, URL: rawURL}
	}

	reader := io.Reader(resp.Body)
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", rawURL, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, "", fmt.Errorf("%s exceeds size limit of %d bytes", rawURL, limit)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (f *Fetcher) setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
}

// decodeBody undoes the content encoding we advertised (the transport only
// auto-decompresses gzip when it set the header itself) and converts the
// charset to UTF-8.
func decodeBody(resp *http.Response) (io.Reader, error) {
	var reader io.Reader = resp.Body

	switch {
	case strings.Contains(resp.Header.Get("Content-Encoding"), "br"):
		reader = brotli.NewReader(reader)
	case strings.Contains(resp.Header.Get("Content-Encoding"), "gzip"):
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, err
		}
		reader = gz
	}

	utf8Reader, err := charset.NewReader(reader, resp.Header.Get("Content-Type"))
	if err != nil {
		// Charset detection failure is non-fatal; assume UTF-8.
		return reader, nil
	}
	return utf8Reader, nil
}

func isAuthPath(path string) bool {
	lower := strings.ToLower(path)
	for _, marker := range authPathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

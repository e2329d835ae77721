package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/url"
	"strings"
	"time"

	// Registered decoders for the formats help-center themes actually embed.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/PuerkitoBio/goquery"

	"support-kb-backend/internal/ai"
	"support-kb-backend/internal/fetcher"
	"support-kb-backend/internal/logger"
)

// Annotator captions the images embedded in an article's content region so
// retrieval can match on visual content. One failed image never aborts the
// article; it is logged and skipped.
type Annotator struct {
	fetcher   *fetcher.Fetcher
	captioner ai.Captioner
	timeout   time.Duration
	maxBytes  int64
}

func NewAnnotator(f *fetcher.Fetcher, captioner ai.Captioner, timeout time.Duration, maxBytes int64) *Annotator {
	return &Annotator{fetcher: f, captioner: captioner, timeout: timeout, maxBytes: maxBytes}
}

// Annotate returns newline-joined caption lines for every image in the
// container, or the empty string when nothing could be captioned.
func (a *Annotator) Annotate(ctx context.Context, container *goquery.Selection, baseURL string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}

	var captions []string
	container.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		ref, err := url.Parse(src)
		if err != nil {
			return
		}
		imgURL := base.ResolveReference(ref).String()

		caption, err := a.captionImage(ctx, imgURL)
		if err != nil {
			logger.Warn("skipping image", "image", imgURL, "error", err.Error())
			return
		}
		captions = append(captions, fmt.Sprintf("[Image Description: %s]", caption))
	})

	return strings.Join(captions, "\n")
}

func (a *Annotator) captionImage(ctx context.Context, imgURL string) (string, error) {
	dlCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	data, _, err := a.fetcher.FetchBytes(dlCtx, imgURL, a.maxBytes)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}

	caption, err := a.captioner.Caption(ctx, data, format)
	if err != nil {
		return "", fmt.Errorf("caption: %w", err)
	}
	return strings.TrimSpace(caption), nil
}

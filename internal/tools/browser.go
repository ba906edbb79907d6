package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"

	"github.com/ashita-ai/tsuzuki/internal/memory"
	"github.com/ashita-ai/tsuzuki/internal/model"
)

const (
	maxScrapeChars  = 20000
	maxPageBytes    = 5 << 20
	screenshotDir   = "screenshots"
	browserUA       = "Mozilla/5.0 (compatible; tsuzuki/1.0)"
	navigateTimeout = 15 * time.Second
)

// BrowserTool scrapes page text over plain HTTP and takes screenshots with
// headless Chrome.
type BrowserTool struct {
	layout       *memory.Layout
	client       *http.Client
	allowPrivate bool
	capture      func(ctx context.Context, url string) ([]byte, error)
}

// NewBrowserTool creates a BrowserTool. Unless allowPrivate is set, URLs
// pointing at localhost or private addresses are refused.
func NewBrowserTool(layout *memory.Layout, allowPrivate bool) *BrowserTool {
	return &BrowserTool{
		layout:       layout,
		client:       &http.Client{Timeout: navigateTimeout},
		allowPrivate: allowPrivate,
		capture:      chromeScreenshot,
	}
}

func (t *BrowserTool) Name() string { return NameBrowser }

func (t *BrowserTool) Description() string {
	return "Scrape a web page's text or save a screenshot to scratch."
}

// Execute performs the requested action.
func (t *BrowserTool) Execute(ctx context.Context, input Input, tc Context) (Result, error) {
	in, ok := input.(BrowserInput)
	if !ok {
		return Result{}, fmt.Errorf("%w: browser got %T", ErrInvalidInput, input)
	}
	if !t.allowPrivate {
		if err := model.ValidatePublicURL(in.URL); err != nil {
			return Fail(fmt.Sprintf("browser: %v", err)), nil
		}
	}

	switch in.Action {
	case ActionScrape:
		return t.scrape(ctx, in.URL)
	case ActionScreenshot:
		return t.screenshot(ctx, in.URL, tc)
	default:
		return Fail(fmt.Sprintf("unknown browser action %q", in.Action)), nil
	}
}

func (t *BrowserTool) scrape(ctx context.Context, url string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Fail(fmt.Sprintf("browser: create request: %v", err)), nil
	}
	req.Header.Set("User-Agent", browserUA)

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("browser: fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Fail(fmt.Sprintf("browser: %s returned status %d", url, resp.StatusCode)), nil
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Fail(fmt.Sprintf("browser: parse HTML: %v", err)), nil
	}
	doc.Find("script, style, noscript").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok && href != "" {
			links = append(links, href)
		}
	})

	return Success(map[string]any{
		"url":     url,
		"title":   title,
		"content": truncate(text, maxScrapeChars),
		"links":   len(links),
	}), nil
}

func (t *BrowserTool) screenshot(ctx context.Context, url string, tc Context) (Result, error) {
	img, err := t.capture(ctx, url)
	if err != nil {
		return Result{}, fmt.Errorf("browser: screenshot %s: %w", url, err)
	}

	rel := filepath.Join(screenshotDir, tc.StepID.String()+".jpg")
	full, err := t.layout.Resolve(memory.Scratch(tc.RunID, tc.Role), rel)
	if err != nil {
		return Fail(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Fail(fmt.Sprintf("browser: create screenshot dir: %v", err)), nil
	}
	if err := os.WriteFile(full, img, 0o644); err != nil {
		return Fail(fmt.Sprintf("browser: write screenshot: %v", err)), nil
	}
	return Success(map[string]any{"url": url, "path": filepath.ToSlash(rel), "bytes": len(img)}), nil
}

// chromeScreenshot renders url in headless Chrome and returns a JPEG.
// Requires a Chrome or Chromium binary on the host.
func chromeScreenshot(ctx context.Context, url string) ([]byte, error) {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.FullScreenshot(&buf, 60),
	); err != nil {
		return nil, err
	}
	return buf, nil
}

package export

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// percentEncodeForDataURL encodes a string for use in a data URL. Unlike
// url.QueryEscape, spaces become %20 rather than +.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range string(r) {
				result.WriteString(fmt.Sprintf("%%%02X", b))
			}
		}
	}
	return result.String()
}

func chromeContext(parent context.Context) (context.Context, context.CancelFunc, error) {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return nil, nil, fmt.Errorf("%w: chromium not installed", ErrChromeDependencyMissing)
		}
	}

	ctx, cancelTimeout := context.WithTimeout(parent, 30*time.Second)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)

	cancel := func() {
		cancelTask()
		cancelAlloc()
		cancelTimeout()
	}
	return taskCtx, cancel, nil
}

// renderPDF navigates Chrome to the HTML as a data URL and prints it.
func renderPDF(parent context.Context, htmlDoc string) ([]byte, error) {
	taskCtx, cancel, err := chromeContext(parent)
	if err != nil {
		return nil, err
	}
	defer cancel()

	dataURL := "data:text/html;charset=utf-8," + percentEncodeForDataURL(htmlDoc)

	var pdfData []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(11.0).
				WithPaperHeight(8.5).
				WithMarginTop(0.5).
				WithMarginBottom(0.5).
				WithMarginLeft(0.5).
				WithMarginRight(0.5).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
	}
	return pdfData, nil
}

// renderPNG captures a full screenshot of the rendered diagram.
func renderPNG(parent context.Context, htmlDoc string) ([]byte, error) {
	taskCtx, cancel, err := chromeContext(parent)
	if err != nil {
		return nil, err
	}
	defer cancel()

	dataURL := "data:text/html;charset=utf-8," + percentEncodeForDataURL(htmlDoc)

	var pngData []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.FullScreenshot(&pngData, 100),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome png generation failed: %w", err)
	}
	return pngData, nil
}

package export

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"readingnotes/api/internal/sidenote"
)

// measureScript reads marker offsets and note heights from the rendered
// margin layout.
const measureScript = `(() => {
  const article = document.querySelector('#reading');
  const editorTop = article.getBoundingClientRect().top + window.scrollY;
  const markers = Array.from(article.querySelectorAll('sup.sidenote')).map((el, i) => ({
    id: parseInt(el.textContent, 10) || 0,
    pos: i,
    yCoordinate: el.getBoundingClientRect().top + window.scrollY,
  }));
  const heights = {};
  document.querySelectorAll('#margin .sidenote-box').forEach((el) => {
    heights[el.dataset.id] = el.getBoundingClientRect().height;
  });
  return { editorTop, markers, heights };
})()`

const applyScript = `((tops) => {
  for (const [id, top] of Object.entries(tops)) {
    const el = document.querySelector('#margin .sidenote-box[data-id="' + id + '"]');
    if (el) {
      el.style.top = top + 'px';
      el.style.visibility = 'visible';
    }
  }
  return true;
})(%s)`

type pageMeasurements struct {
	EditorTop float64             `json:"editorTop"`
	Markers   []sidenote.Position `json:"markers"`
	Heights   map[string]float64  `json:"heights"`
}

// placeSidenotes lays out printed notes fully expanded. A note box exists in
// the page only when it has content, so the measured heights double as the
// content map.
func placeSidenotes(m pageMeasurements) ([]sidenote.Box, error) {
	available := make(map[string]string, len(m.Heights))
	expanded := make(map[string]bool, len(m.Heights))
	for key := range m.Heights {
		available[key] = key
		expanded[key] = true
	}
	top := m.EditorTop
	return sidenote.Layout(m.Markers, available, &top, expanded, sidenote.HeightTable{Heights: m.Heights})
}

// Toolchain renders PDFs with headless Chrome and DOCX with pandoc.
type Toolchain struct {
	Timeout time.Duration
}

func chromeAvailable() bool {
	for _, name := range []string{"chromium-browser", "chromium", "google-chrome"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

func (t Toolchain) PDF(ctx context.Context, html string) ([]byte, error) {
	if !chromeAvailable() {
		return nil, fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1100, 1400),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	dataURL := "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(html))

	var measured pageMeasurements
	var applied bool
	var pdfData []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(measureScript, &measured),
		chromedp.ActionFunc(func(ctx context.Context) error {
			boxes, err := placeSidenotes(measured)
			if err != nil {
				return err
			}
			tops := make(map[string]float64, len(boxes))
			for _, box := range boxes {
				tops[box.Key] = box.Top
			}
			encoded, err := json.Marshal(tops)
			if err != nil {
				return err
			}
			return chromedp.Evaluate(fmt.Sprintf(applyScript, encoded), &applied).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27). // A4
				WithPaperHeight(11.69).
				WithMarginTop(0.6).
				WithMarginBottom(0.6).
				WithMarginLeft(0.6).
				WithMarginRight(0.6).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
	}
	return pdfData, nil
}

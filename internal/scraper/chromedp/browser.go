// Package headless drives the source platform through a real browser via
// chromedp. It implements the session's Browser collaborator.
package headless

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/fingerprint"
	"github.com/reelpipe/reelpipe/internal/pipeline"
)

// Config controls the headless browser.
type Config struct {
	BaseURL           string
	UserAgent         string
	NavigationTimeout time.Duration
	Headless          bool
}

// Browser holds one long-lived browser tab per session.
type Browser struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	target      string
	logger      *zap.Logger
}

// New creates a Browser with its own Chrome allocator. The tab is created
// lazily on Login so Close before Login is cheap.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.BaseURL == "" {
		return nil, &pipeline.ConfigurationError{Field: "scraper.base_url", Reason: "must not be empty"}
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Browser{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Login opens a fresh tab, submits the login form, and dismisses the
// post-login popups best effort.
func (b *Browser) Login(ctx context.Context, cred pipeline.CredentialHandle) error {
	if b.tabCancel != nil {
		b.tabCancel()
	}
	b.tabCtx, b.tabCancel = chromedp.NewContext(b.allocator)

	runCtx, cancel := b.opContext(ctx)
	defer cancel()

	actions := []chromedp.Action{
		b.networkSetupAction(),
		chromedp.Navigate(b.cfg.BaseURL + "/accounts/login/"),
		chromedp.WaitVisible(`input[name="username"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="username"]`, cred.Identity(), chromedp.ByQuery),
		chromedp.SendKeys(`input[name="password"]`, cred.Secret(), chromedp.ByQuery),
		chromedp.Click(`button[type="submit"]`, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(2 * time.Second),
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return &pipeline.AuthExpiredError{Service: cred.Service(), Err: fmt.Errorf("login flow: %w", err)}
	}
	b.dismissPopups(runCtx)
	return nil
}

// Navigate opens the watch target page in the logged-in tab.
func (b *Browser) Navigate(ctx context.Context, target string) error {
	if b.tabCtx == nil {
		return fmt.Errorf("navigate before login")
	}
	runCtx, cancel := b.opContext(ctx)
	defer cancel()

	url := target
	if !strings.HasPrefix(target, "http") {
		url = fmt.Sprintf("%s/%s/", b.cfg.BaseURL, strings.Trim(target, "/"))
	}
	b.target = url
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(time.Second),
	)
	if err != nil {
		return pipeline.Classify("navigate", err)
	}
	b.dismissPopups(runCtx)
	return nil
}

// Poll re-reads the watched page and extracts the visible items.
func (b *Browser) Poll(ctx context.Context) ([]pipeline.Item, error) {
	if b.tabCtx == nil || b.target == "" {
		return nil, fmt.Errorf("poll before navigate")
	}
	runCtx, cancel := b.opContext(ctx)
	defer cancel()

	entries, err := b.extract(runCtx)
	if err != nil {
		return nil, pipeline.Classify("poll", err)
	}
	return entries, nil
}

// PollRange reloads the page and keeps only items whose timestamp falls in
// [from, to]. The page exposes a finite history, so very old ranges return
// what is visible, not everything that ever existed.
func (b *Browser) PollRange(ctx context.Context, from, to time.Time) ([]pipeline.Item, error) {
	items, err := b.Poll(ctx)
	if err != nil {
		return nil, err
	}
	kept := items[:0]
	for _, item := range items {
		if item.PostedAt.Before(from) || item.PostedAt.After(to) {
			continue
		}
		kept = append(kept, item)
	}
	return kept, nil
}

// Close tears down the tab and the allocator.
func (b *Browser) Close() error {
	if b.tabCancel != nil {
		b.tabCancel()
	}
	b.allocCancel()
	return nil
}

// itemEntry is the shape produced by the extraction script.
type itemEntry struct {
	URL      string `json:"url"`
	Caption  string `json:"caption"`
	Author   string `json:"author"`
	PostedAt string `json:"posted_at"`
}

func (b *Browser) extract(ctx context.Context) ([]pipeline.Item, error) {
	var entries []itemEntry
	err := chromedp.Run(ctx,
		chromedp.Navigate(b.target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		chromedp.Evaluate(extractScript, &entries),
	)
	if err != nil {
		return nil, fmt.Errorf("extract items: %w", err)
	}
	items := make([]pipeline.Item, 0, len(entries))
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		fp, err := fingerprint.FromURL(e.URL)
		if err != nil {
			b.logger.Warn("unparseable item url", zap.String("url", e.URL), zap.Error(err))
			continue
		}
		postedAt, err := time.Parse(time.RFC3339, e.PostedAt)
		if err != nil {
			postedAt = time.Time{}
		}
		items = append(items, pipeline.Item{
			Fingerprint: fp,
			PayloadRef:  e.URL,
			Caption:     e.Caption,
			Author:      e.Author,
			PostedAt:    postedAt,
		})
	}
	return items, nil
}

// dismissPopups closes the notification and cookie dialogs when present.
// Absence is normal, so failures are only logged.
func (b *Browser) dismissPopups(ctx context.Context) {
	for _, selector := range []string{
		`//button[text()="Not Now"]`,
		`//button[contains(text(),"Decline")]`,
	} {
		clickCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := chromedp.Run(clickCtx, chromedp.Click(selector, chromedp.BySearch))
		cancel()
		if err != nil {
			b.logger.Debug("popup not found", zap.String("selector", selector))
		}
	}
}

func (b *Browser) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, tabDone := context.WithCancel(b.tabCtx)
	timeoutCtx, timeoutCancel := context.WithTimeout(runCtx, b.cfg.NavigationTimeout)
	stop := context.AfterFunc(ctx, timeoutCancel)
	return timeoutCtx, func() {
		stop()
		timeoutCancel()
		tabDone()
	}
}

func (b *Browser) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

const extractScript = `
Array.from(document.querySelectorAll("article a[href*='/p/'], article a[href*='/reel/']")).map(a => {
  const article = a.closest("article");
  const caption = article ? (article.querySelector("img[alt]")?.alt || "") : "";
  const author = article ? (article.querySelector("header a")?.textContent || "") : "";
  const time = article ? (article.querySelector("time")?.dateTime || "") : "";
  return {url: a.href, caption: caption, author: author, posted_at: time};
})
`

// Package browser provides the scoped browser session used to read
// scroll-loaded listing pages. Session is the seam the extractor depends
// on; Launcher opens real Chrome sessions through chromedp.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"followsync/pkg/config"
	errs "followsync/pkg/errors"
	"followsync/pkg/logger"
)

// Page is the set of page operations the extractor drives
type Page interface {
	// Navigate loads url and waits for the document
	Navigate(ctx context.Context, url string) error
	// WaitVisible blocks until selector matches a visible node or timeout passes
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// ScrollBy scrolls the window and returns the new vertical offset
	ScrollBy(ctx context.Context, pixels int) (int, error)
	// Hrefs returns the absolute href of every anchor inside selector
	Hrefs(ctx context.Context, selector string) ([]string, error)
	// Text returns the visible body text, truncated
	Text(ctx context.Context) (string, error)
	// Screenshot writes a PNG of the viewport to path
	Screenshot(ctx context.Context, path string) error
}

// Session is a Page bound to a browser process that must be closed
type Session interface {
	Page
	Close() error
}

// Opener starts sessions. The orchestrator opens one per target.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// Launcher opens Chrome sessions with a pre-made cookie jar
type Launcher struct {
	cfg    config.BrowserConfig
	logger logger.Logger
	now    func() time.Time
}

// NewLauncher creates a launcher
func NewLauncher(cfg config.BrowserConfig, log logger.Logger) *Launcher {
	return &Launcher{
		cfg:    cfg,
		logger: logger.OrNop(log).WithField("component", "browser"),
		now:    time.Now,
	}
}

// Open validates the cookie jar, starts Chrome, installs the cookies and
// health-checks the tab. Cookie problems fail before Chrome is started.
func (l *Launcher) Open(ctx context.Context) (Session, error) {
	cookies, err := LoadCookies(l.cfg.CookiePath, l.cfg.AuthCookie, l.now())
	if err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight),
	)
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}

	// The browser lives until Close, not until ctx ends
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(func(format string, args ...interface{}) {
		l.logger.Debug(fmt.Sprintf(format, args...))
	}))

	s := &ChromeSession{
		ctx:     tabCtx,
		cancel:  func() { tabCancel(); allocCancel() },
		navWait: l.cfg.NavigationTimeout,
		logger:  l.logger,
	}

	start := time.Now()
	// The first Run allocates the browser and must use the tab's own context
	if err := chromedp.Run(tabCtx); err != nil {
		s.Close()
		return nil, errs.Wrap(errs.ErrorTypeSessionInvalid, "browser.Open", fmt.Errorf("failed to start browser: %w", err))
	}
	if err := s.run(ctx, network.Enable(), setCookies(cookies)); err != nil {
		s.Close()
		return nil, classify("browser.Open", ctx, err)
	}

	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(`true`, &ok)); err != nil || !ok {
		s.Close()
		if err == nil {
			err = fmt.Errorf("health check returned false")
		}
		return nil, errs.Wrap(errs.ErrorTypeSessionInvalid, "browser.Open", err)
	}

	l.logger.InfoWithFields("browser session started", map[string]interface{}{
		"cookies":  len(cookies),
		"headless": l.cfg.Headless,
		"duration": time.Since(start),
	})
	return s, nil
}

func setCookies(cookies []Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			p := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if t, ok := c.ExpiresAt(); ok {
				exp := cdp.TimeSinceEpoch(t)
				p = p.WithExpires(&exp)
			}
			if err := p.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

// ChromeSession is a single Chrome tab
type ChromeSession struct {
	ctx     context.Context
	cancel  func()
	navWait time.Duration
	logger  logger.Logger
}

// run executes actions on the tab, aborting when either ctx or the tab ends
func (s *ChromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (s *ChromeSession) Navigate(ctx context.Context, url string) error {
	if s.navWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.navWait)
		defer cancel()
	}
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return classify("browser.Navigate", ctx, err)
	}
	return nil
}

func (s *ChromeSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return classify("browser.WaitVisible", waitCtx, err)
	}
	return nil
}

func (s *ChromeSession) ScrollBy(ctx context.Context, pixels int) (int, error) {
	var pos float64
	js := fmt.Sprintf(`window.scrollBy(0, %d); window.scrollY`, pixels)
	if err := s.run(ctx, chromedp.Evaluate(js, &pos)); err != nil {
		return 0, classify("browser.ScrollBy", ctx, err)
	}
	return int(pos), nil
}

func (s *ChromeSession) Hrefs(ctx context.Context, selector string) ([]string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return nil, err
	}
	js := fmt.Sprintf(`(() => {
		const root = document.querySelector(%s);
		if (!root) { return []; }
		return Array.from(root.querySelectorAll('a[href]'), a => a.href);
	})()`, sel)

	var hrefs []string
	if err := s.run(ctx, chromedp.Evaluate(js, &hrefs)); err != nil {
		return nil, classify("browser.Hrefs", ctx, err)
	}
	return hrefs, nil
}

func (s *ChromeSession) Text(ctx context.Context) (string, error) {
	var text string
	js := `document.body ? document.body.innerText.slice(0, 4000) : ""`
	if err := s.run(ctx, chromedp.Evaluate(js, &text)); err != nil {
		return "", classify("browser.Text", ctx, err)
	}
	return text, nil
}

func (s *ChromeSession) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return classify("browser.Screenshot", ctx, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	return nil
}

// Close tears down the tab and the browser process
func (s *ChromeSession) Close() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.logger.Debug("browser session closed")
	}
	return nil
}

// classify types a chromedp failure. A deadline on the call context is a
// transient condition; losing the tab means the session is gone.
func classify(op string, ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return errs.Wrap(errs.ErrorTypeTransientNetwork, op, err)
	}
	if ctx.Err() != nil {
		return errs.Wrap(errs.ErrorTypeCanceled, op, err)
	}
	if err == context.Canceled {
		return errs.Wrap(errs.ErrorTypeSessionInvalid, op, fmt.Errorf("browser closed: %w", err))
	}
	return errs.Wrap(errs.ErrorTypeTransientNetwork, op, err)
}

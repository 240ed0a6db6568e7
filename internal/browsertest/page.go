// Package browsertest provides a scripted browser.Session for tests
package browsertest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"followsync/pkg/browser"
	errs "followsync/pkg/errors"
)

// Page replays DOM snapshots. Each Hrefs call returns the next snapshot and
// the last one repeats once the script runs out.
type Page struct {
	mu sync.Mutex

	Snapshots [][]string
	// NeverRender makes WaitVisible time out
	NeverRender bool
	// BodyText is returned by Text
	BodyText string
	// NavigateErr fails Navigate
	NavigateErr error
	// HrefsErr fails Hrefs
	HrefsErr error
	// OnHrefs runs before each Hrefs call with the 1-based call number
	OnHrefs func(call int)

	visited     []string
	scrolls     int
	hrefCalls   int
	screenshots []string
	closed      bool
}

var _ browser.Session = (*Page)(nil)

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	p.visited = append(p.visited, url)
	return p.NavigateErr
}

func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	p.mu.Lock()
	never := p.NeverRender
	p.mu.Unlock()
	if never {
		return errs.Wrap(errs.ErrorTypeTransientNetwork, "browsertest.WaitVisible", context.DeadlineExceeded)
	}
	return ctx.Err()
}

func (p *Page) ScrollBy(ctx context.Context, pixels int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolls++
	return p.scrolls * pixels, ctx.Err()
}

func (p *Page) Hrefs(ctx context.Context, selector string) ([]string, error) {
	p.mu.Lock()
	p.hrefCalls++
	call := p.hrefCalls
	hook := p.OnHrefs
	p.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.HrefsErr != nil {
		return nil, p.HrefsErr
	}
	if len(p.Snapshots) == 0 {
		return nil, nil
	}
	i := call - 1
	if i >= len(p.Snapshots) {
		i = len(p.Snapshots) - 1
	}
	return append([]string(nil), p.Snapshots[i]...), nil
}

func (p *Page) Text(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.BodyText, ctx.Err()
}

func (p *Page) Screenshot(ctx context.Context, path string) error {
	p.mu.Lock()
	p.screenshots = append(p.screenshots, path)
	p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	// Minimal PNG signature
	return os.WriteFile(path, []byte("\x89PNG\r\n\x1a\n"), 0644)
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("session closed twice")
	}
	p.closed = true
	return nil
}

// Visited returns every navigated URL
func (p *Page) Visited() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visited...)
}

// Rounds returns how many times Hrefs was called
func (p *Page) Rounds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hrefCalls
}

// Screenshots returns the paths passed to Screenshot
func (p *Page) Screenshots() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.screenshots...)
}

// Closed reports whether Close was called
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Opener hands out scripted pages, one per Open call
type Opener struct {
	mu sync.Mutex

	// Pages are returned in order; when exhausted New builds the next one
	Pages []*Page
	New   func() *Page
	// Err fails every Open
	Err error

	opened []*Page
}

var _ browser.Opener = (*Opener)(nil)

func (o *Opener) Open(ctx context.Context) (browser.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}

	var p *Page
	switch {
	case len(o.Pages) > 0:
		p = o.Pages[0]
		o.Pages = o.Pages[1:]
	case o.New != nil:
		p = o.New()
	default:
		p = &Page{}
	}
	o.opened = append(o.opened, p)
	return p, nil
}

// Opened returns every page handed out
func (o *Opener) Opened() []*Page {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Page(nil), o.opened...)
}

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/slotwatch/slotwatch/identity"
)

// rodEngine drives one Chrome instance through Rod. Both engine kinds share
// this implementation; the fallback kind additionally runs headful under an
// Xvfb display.
type rodEngine struct {
	kind    EngineKind
	browser *rod.Browser
	lnch    *launcher.Launcher
	page    *rod.Page
	xvfb    *xvfbDisplay
	navTO   time.Duration

	mu         sync.Mutex
	lastStatus int
	lastURL    string
}

// newRodEngine launches Chrome for the given kind and identity and opens a
// stealth page with the identity's fingerprint applied.
func (m *Manager) newRodEngine(ctx context.Context, kind EngineKind, id identity.Identity) (Backend, error) {
	e := &rodEngine{kind: kind, navTO: m.cfg.NavigateTimeout}

	if kind == EngineFallback {
		x, err := startXvfb(m.cfg.XvfbDisplay, m.logger)
		if err != nil {
			return nil, fmt.Errorf("session: xvfb: %w", err)
		}
		e.xvfb = x
	}

	l := launcher.New()
	if kind == EngineFallback {
		l = l.Headless(false).Env("DISPLAY", m.cfg.XvfbDisplay)
	} else {
		l = l.Headless(*m.cfg.Headless)
	}

	// Anti-detection flags.
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Set("disable-infobars")

	if id.Proxy != nil {
		l = l.Proxy(id.Proxy.Addr())
	}

	u, err := l.Launch()
	if err != nil {
		e.cleanup()
		return nil, fmt.Errorf("session: launch chrome (%s): %w", kind, err)
	}
	e.lnch = l

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		e.cleanup()
		return nil, fmt.Errorf("session: connect chrome (%s): %w", kind, err)
	}
	e.browser = b

	if err := b.IgnoreCertErrors(true); err != nil {
		m.logger.Warn("session: ignore cert errors failed", "error", err)
	}

	// Chrome prompts for proxy credentials out of band; answer them from
	// the identity.
	if id.Proxy != nil && id.Proxy.Username != "" {
		go b.HandleAuth(id.Proxy.Username, id.Proxy.Password)()
	}

	page, err := stealth.Page(b)
	if err != nil {
		e.cleanup()
		return nil, fmt.Errorf("session: stealth page: %w", err)
	}
	e.page = page

	if err := e.ApplyFingerprint(id.Fingerprint); err != nil {
		e.cleanup()
		return nil, err
	}
	if err := e.Inject(stealthScript(id.Fingerprint)); err != nil {
		e.cleanup()
		return nil, err
	}
	e.watchStatus()

	return e, nil
}

// watchStatus records the HTTP status of main-document responses so a
// navigation can report what the edge actually answered.
func (e *rodEngine) watchStatus() {
	if err := (proto.NetworkEnable{}).Call(e.page); err != nil {
		return
	}
	go e.page.EachEvent(func(ev *proto.NetworkResponseReceived) {
		if ev.Type != proto.NetworkResourceTypeDocument {
			return
		}
		e.mu.Lock()
		e.lastStatus = ev.Response.Status
		e.mu.Unlock()
	})()
}

func (e *rodEngine) status() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastStatus == 0 {
		return 200
	}
	return e.lastStatus
}

func (e *rodEngine) Navigate(ctx context.Context, url string) (*Page, error) {
	e.mu.Lock()
	e.lastStatus = 0
	e.lastURL = url
	e.mu.Unlock()

	navCtx, cancel := context.WithTimeout(ctx, e.navTO)
	defer cancel()

	if err := e.page.Context(navCtx).Navigate(url); err != nil {
		return nil, err
	}
	if err := e.page.Context(navCtx).WaitLoad(); err != nil {
		// A challenge interstitial can hold the load event hostage; the DOM
		// rendered so far is still worth classifying.
		body, derr := e.dom(ctx)
		if derr != nil {
			return nil, err
		}
		return &Page{URL: url, Status: e.status(), Body: body}, nil
	}

	body, err := e.dom(ctx)
	if err != nil {
		return nil, err
	}
	return &Page{URL: url, Status: e.status(), Body: body}, nil
}

func (e *rodEngine) Reload(ctx context.Context) (*Page, error) {
	e.mu.Lock()
	e.lastStatus = 0
	url := e.lastURL
	e.mu.Unlock()

	navCtx, cancel := context.WithTimeout(ctx, e.navTO)
	defer cancel()

	if err := e.page.Context(navCtx).Reload(); err != nil {
		return nil, err
	}
	if err := e.page.Context(navCtx).WaitLoad(); err != nil {
		body, derr := e.dom(ctx)
		if derr != nil {
			return nil, err
		}
		return &Page{URL: url, Status: e.status(), Body: body}, nil
	}

	body, err := e.dom(ctx)
	if err != nil {
		return nil, err
	}
	return &Page{URL: url, Status: e.status(), Body: body}, nil
}

// dom serialises the complete DOM as outer HTML.
func (e *rodEngine) dom(ctx context.Context) ([]byte, error) {
	res, err := e.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("get DOM: %w", err)
	}
	return []byte(res.Value.Str()), nil
}

// inject registers script for every future document and runs it on the
// current one. The script guards its own definitions, so running it on a
// page that already has them is a no-op.
func (e *rodEngine) Inject(script string) error {
	if _, err := e.page.EvalOnNewDocument(script); err != nil {
		return err
	}
	if _, err := e.page.Eval(script); err != nil {
		return err
	}
	return nil
}

// applyFingerprint pushes CDP-level overrides derived from fp. The
// JS-visible half of the fingerprint lives in the stealth bundle.
func (e *rodEngine) ApplyFingerprint(fp identity.Fingerprint) error {
	if err := (proto.NetworkSetUserAgentOverride{
		UserAgent:      fp.UserAgent,
		AcceptLanguage: fp.AcceptLanguage(),
		Platform:       fp.Platform,
	}).Call(e.page); err != nil {
		return fmt.Errorf("ua override: %w", err)
	}
	if err := e.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             fp.ViewportWidth,
		Height:            fp.ViewportHeight,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}); err != nil {
		return fmt.Errorf("viewport: %w", err)
	}
	if err := (proto.EmulationSetTimezoneOverride{
		TimezoneID: fp.Timezone,
	}).Call(e.page); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	return nil
}

func (e *rodEngine) Fill(ctx context.Context, selector, value string, keyDelay func() time.Duration) error {
	el, err := e.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element %s: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("focus %s: %w", selector, err)
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("select text %s: %w", selector, err)
	}
	if err := el.Input(""); err != nil {
		return fmt.Errorf("clear %s: %w", selector, err)
	}
	// Human-like typing: one keystroke at a time with a sampled pause.
	for _, r := range value {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.page.InsertText(string(r)); err != nil {
			return fmt.Errorf("type into %s: %w", selector, err)
		}
		if keyDelay != nil {
			time.Sleep(keyDelay())
		}
	}
	return nil
}

func (e *rodEngine) SelectOption(ctx context.Context, selector, value string) error {
	el, err := e.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element %s: %w", selector, err)
	}
	if err := el.Select([]string{value}, true, rod.SelectorTypeText); err != nil {
		return fmt.Errorf("select %q in %s: %w", value, selector, err)
	}
	return nil
}

func (e *rodEngine) Click(ctx context.Context, selector string) error {
	el, err := e.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element %s: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (e *rodEngine) Text(ctx context.Context, selector string) (string, error) {
	el, err := e.page.Context(ctx).Element(selector)
	if err != nil {
		return "", fmt.Errorf("element %s: %w", selector, err)
	}
	txt, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("text %s: %w", selector, err)
	}
	return txt, nil
}

func (e *rodEngine) Has(ctx context.Context, selector string) (bool, error) {
	ok, _, err := e.page.Context(ctx).Has(selector)
	if err != nil {
		return false, fmt.Errorf("has %s: %w", selector, err)
	}
	return ok, nil
}

func (e *rodEngine) FieldValue(ctx context.Context, selector string) (string, error) {
	el, err := e.page.Context(ctx).Element(selector)
	if err != nil {
		return "", fmt.Errorf("element %s: %w", selector, err)
	}
	v, err := el.Property("value")
	if err != nil {
		return "", fmt.Errorf("property value %s: %w", selector, err)
	}
	return v.Str(), nil
}

func (e *rodEngine) Close() error {
	e.cleanup()
	return nil
}

func (e *rodEngine) cleanup() {
	if e.page != nil {
		e.page.Close()
		e.page = nil
	}
	if e.browser != nil {
		e.browser.Close()
		e.browser = nil
	}
	if e.lnch != nil {
		e.lnch.Cleanup()
		e.lnch = nil
	}
	if e.xvfb != nil {
		e.xvfb.stop()
		e.xvfb = nil
	}
}

package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/models"
)

// Portal page anchors
const (
	selSearchInput   = "#searchUf"
	selSearchButton  = "#btn-searchUf"
	selPayNow        = "#btn-pagoDeudaEf"
	selTerms         = "#selVencimiento"
	selGenerate      = "#btn-generarDocRweb"
	selResultModal   = "#resultModalPagoEf"
	selDebtLines     = "tbody.no-more-tables"
	artifactURLMatch = "downloadDocDeuda"
)

// ChromeConfig holds browser launch options and per-step timeouts
type ChromeConfig struct {
	URL             string
	Headless        bool
	NoSandbox       bool
	UserAgent       string
	SearchTimeout   time.Duration
	DebtTimeout     time.Duration
	TermsTimeout    time.Duration
	GenerateTimeout time.Duration
	ModalTimeout    time.Duration
	ArtifactTimeout time.Duration
	SettleDelay     time.Duration // Pause after clicks that trigger portal transitions
}

// NewChromeLauncher returns a launcher starting one headless Chrome per pool slot
func NewChromeLauncher(config ChromeConfig, logger arbor.ILogger) BrowserLauncher {
	return func(ctx context.Context, index int) (Browser, error) {
		return newChromeBrowser(ctx, index, config, logger)
	}
}

type chromeBrowser struct {
	index           int
	config          ChromeConfig
	logger          arbor.ILogger
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
}

func newChromeBrowser(ctx context.Context, index int, config ChromeConfig, logger arbor.ILogger) (*chromeBrowser, error) {
	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(config.UserAgent),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	// Startup test bounded by the caller's deadline
	testCtx, testCancel := context.WithCancel(browserCtx)
	defer testCancel()
	stop := context.AfterFunc(ctx, testCancel)
	defer stop()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser instance failed startup test: %w", err)
	}

	return &chromeBrowser{
		index:           index,
		config:          config,
		logger:          logger,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
	}, nil
}

// NewDriver opens a tab in a fresh incognito browser context so cookies and
// storage never carry over between tasks
func (b *chromeBrowser) NewDriver(ctx context.Context) (Driver, error) {
	tabCtx, cancel := chromedp.NewContext(b.browserCtx, chromedp.WithNewBrowserContext())

	d := &chromeDriver{
		ctx:       tabCtx,
		cancel:    cancel,
		config:    b.config,
		logger:    b.logger,
		pending:   make(map[network.RequestID]bool),
		artifacts: make(chan network.RequestID, 4),
	}

	chromedp.ListenTarget(tabCtx, d.onEvent)

	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}
	return d, nil
}

func (b *chromeBrowser) Close() error {
	b.browserCancel()
	b.allocatorCancel()
	return nil
}

type chromeDriver struct {
	ctx    context.Context
	cancel context.CancelFunc
	config ChromeConfig
	logger arbor.ILogger

	mu        sync.Mutex
	pending   map[network.RequestID]bool
	artifacts chan network.RequestID
}

// onEvent tracks the document response; runs on chromedp's event loop and must not block
func (d *chromeDriver) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Response != nil && e.Response.Status == 200 && strings.Contains(e.Response.URL, artifactURLMatch) {
			d.mu.Lock()
			d.pending[e.RequestID] = true
			d.mu.Unlock()
		}
	case *network.EventLoadingFinished:
		d.mu.Lock()
		ok := d.pending[e.RequestID]
		delete(d.pending, e.RequestID)
		d.mu.Unlock()
		if ok {
			select {
			case d.artifacts <- e.RequestID:
			default:
			}
		}
	}
}

// run executes actions on the tab, bounded by timeout and the caller's ctx.
// A timeout is reported as models.ErrAnchorTimeout.
func (d *chromeDriver) run(ctx context.Context, timeout time.Duration, anchor string, actions ...chromedp.Action) error {
	stepCtx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(stepCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", models.ErrAnchorTimeout, anchor)
	}
	return err
}

func (d *chromeDriver) Navigate(ctx context.Context) error {
	if err := d.run(ctx, d.config.SearchTimeout*3, d.config.URL, chromedp.Navigate(d.config.URL)); err != nil {
		return fmt.Errorf("%w: %v", models.ErrNavigation, err)
	}
	return nil
}

func (d *chromeDriver) Search(ctx context.Context, clientRef string) error {
	return d.run(ctx, d.config.SearchTimeout, selSearchInput,
		chromedp.WaitVisible(selSearchInput, chromedp.ByQuery),
		chromedp.SetValue(selSearchInput, "", chromedp.ByQuery),
		chromedp.SendKeys(selSearchInput, clientRef, chromedp.ByQuery),
		chromedp.Click(selSearchButton, chromedp.ByQuery),
	)
}

func (d *chromeDriver) HasDebt(ctx context.Context) (bool, error) {
	err := d.run(ctx, d.config.DebtTimeout, selPayNow, chromedp.WaitVisible(selPayNow, chromedp.ByQuery))
	if errors.Is(err, models.ErrAnchorTimeout) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = d.run(ctx, d.config.TermsTimeout+d.config.SettleDelay, selTerms,
		chromedp.Click(selPayNow, chromedp.ByQuery),
		chromedp.Sleep(d.config.SettleDelay),
		chromedp.WaitVisible(selTerms, chromedp.ByQuery),
	)
	if errors.Is(err, models.ErrAnchorTimeout) {
		return false, nil
	}
	return err == nil, err
}

func (d *chromeDriver) SelectTerms(ctx context.Context, option models.TermsOption) error {
	script := fmt.Sprintf(`(() => {
		const select = document.querySelector(%q);
		if (!select || select.options.length <= %d) { return false; }
		select.value = select.options[%d].value;
		select.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	})()`, selTerms, int(option), int(option))

	var selected bool
	if err := d.run(ctx, d.config.SearchTimeout, selTerms,
		chromedp.WaitVisible(selTerms, chromedp.ByQuery),
		chromedp.Evaluate(script, &selected),
	); err != nil {
		return err
	}
	if !selected {
		return fmt.Errorf("terms option %s not offered by the portal", option)
	}
	return nil
}

func (d *chromeDriver) RequestDocument(ctx context.Context) error {
	// Discard responses from an earlier attempt
	for len(d.artifacts) > 0 {
		<-d.artifacts
	}

	if err := d.run(ctx, d.config.GenerateTimeout, selGenerate,
		chromedp.WaitVisible(selGenerate, chromedp.ByQuery),
		chromedp.WaitEnabled(selGenerate, chromedp.ByQuery),
		chromedp.Click(selGenerate, chromedp.ByQuery),
	); err != nil {
		return err
	}

	modalScript := fmt.Sprintf(`(() => {
		const modal = document.querySelector(%q);
		return !!modal && modal.offsetParent !== null && getComputedStyle(modal).display !== 'none';
	})()`, selResultModal)

	deadline := time.Now().Add(d.config.SettleDelay + d.config.ModalTimeout)
	for time.Now().Before(deadline) {
		if len(d.artifacts) > 0 {
			return nil
		}

		var visible bool
		if err := d.run(ctx, d.config.ModalTimeout, selResultModal, chromedp.Evaluate(modalScript, &visible)); err != nil {
			return err
		}
		if visible {
			closeScript := fmt.Sprintf(`(() => {
				const btn = document.querySelector(%q);
				if (btn) { btn.click(); }
				return true;
			})()`, selResultModal+" .btn-close")
			var closed bool
			if err := d.run(ctx, d.config.ModalTimeout, selResultModal, chromedp.Evaluate(closeScript, &closed)); err != nil {
				return err
			}
			return models.ErrNoEligibleLines
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return nil
}

func (d *chromeDriver) AwaitArtifact(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(d.config.ArtifactTimeout)
	defer timer.Stop()

	var requestID network.RequestID
	select {
	case requestID = <-d.artifacts:
	case <-timer.C:
		return nil, models.ErrArtifactTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var body []byte
	if err := d.run(ctx, d.config.ArtifactTimeout, artifactURLMatch, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(requestID).Do(ctx)
		return err
	})); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrArtifactTimeout, err)
	}
	return body, nil
}

func (d *chromeDriver) AddDueLine(ctx context.Context) error {
	var html string
	if err := d.run(ctx, d.config.SearchTimeout, selDebtLines,
		chromedp.ScrollIntoView(selDebtLines, chromedp.ByQuery),
		chromedp.OuterHTML(selDebtLines, &html, chromedp.ByQuery),
	); err != nil {
		return err
	}

	checkboxID, err := findDueLineCheckbox(html)
	if err != nil {
		return err
	}

	sel := fmt.Sprintf(`input[id=%q]`, checkboxID)
	return d.run(ctx, d.config.SearchTimeout, sel,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.Click(sel, chromedp.ByQuery),
	)
}

func (d *chromeDriver) Close() {
	d.cancel()
}

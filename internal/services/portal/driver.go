package portal

import (
	"context"

	"github.com/ternarybob/dunner/internal/models"
)

// Driver performs the portal page interactions for a single retrieval task.
// Every method applies its own step-local timeout and reports a missing page
// anchor as models.ErrAnchorTimeout.
type Driver interface {
	// Navigate opens the debt management page
	Navigate(ctx context.Context) error
	// Search submits the client reference
	Search(ctx context.Context, clientRef string) error
	// HasDebt reports false when the pay-now control never shows or the
	// terms selector never opens after it is pressed
	HasDebt(ctx context.Context) (bool, error)
	// SelectTerms picks the due date the document is generated for
	SelectTerms(ctx context.Context, option models.TermsOption) error
	// RequestDocument presses generate. Returns models.ErrNoEligibleLines when
	// the portal answers with the "no eligible charge lines" modal.
	RequestDocument(ctx context.Context) error
	// AwaitArtifact waits for the generated document and returns its bytes
	AwaitArtifact(ctx context.Context) ([]byte, error)
	// AddDueLine ticks the payment-plan instalment row so generation can proceed
	AddDueLine(ctx context.Context) error
	// Close releases the tab and its isolated browser context
	Close()
}

// Browser is one pooled browser process able to open isolated drivers
type Browser interface {
	NewDriver(ctx context.Context) (Driver, error)
	Close() error
}

// BrowserLauncher starts the browser for pool slot index
type BrowserLauncher func(ctx context.Context, index int) (Browser, error)

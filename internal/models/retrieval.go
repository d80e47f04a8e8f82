package models

import "fmt"

// TermsOption selects which due date the portal generates the document for.
type TermsOption int

const (
	// TermsEarliest picks the first due date offered by the portal.
	TermsEarliest TermsOption = 0
	// TermsNext picks the second due date offered by the portal.
	TermsNext TermsOption = 1
)

func (o TermsOption) String() string {
	switch o {
	case TermsEarliest:
		return "EARLIEST"
	case TermsNext:
		return "NEXT"
	default:
		return fmt.Sprintf("TermsOption(%d)", int(o))
	}
}

// Valid reports whether o is one of the known options.
func (o TermsOption) Valid() bool {
	return o == TermsEarliest || o == TermsNext
}

// RetrievalState is a node of the retrieval state machine.
type RetrievalState string

const (
	StateStart             RetrievalState = "start"
	StateNavigated         RetrievalState = "navigated"
	StateSearched          RetrievalState = "searched"
	StateDebtChecked       RetrievalState = "debt_checked"
	StateTermsSelected     RetrievalState = "terms_selected"
	StateDocumentRequested RetrievalState = "document_requested"
	StateArtifactReceived  RetrievalState = "artifact_received"
	StateDone              RetrievalState = "done"
	StateNoDebt            RetrievalState = "no_debt"
	StateFailed            RetrievalState = "failed"
)

// IsTerminal reports whether no further transition can leave s.
func (s RetrievalState) IsTerminal() bool {
	return s == StateDone || s == StateNoDebt || s == StateFailed
}

// RetrievalTask is one client's document-fetch unit of work.
// It is mutated only by the state machine that owns it.
type RetrievalTask struct {
	BatchID     string         `json:"batch_id"`
	TenantID    string         `json:"tenant_id"`
	ClientRef   string         `json:"client_ref"`
	TermsOption TermsOption    `json:"terms_option"`
	Attempt     int            `json:"attempt"`
	State       RetrievalState `json:"state"`
}

// NewRetrievalTask creates a task in the Start state.
func NewRetrievalTask(batchID, tenantID, clientRef string, terms TermsOption) *RetrievalTask {
	return &RetrievalTask{
		BatchID:     batchID,
		TenantID:    tenantID,
		ClientRef:   clientRef,
		TermsOption: terms,
		State:       StateStart,
	}
}

// Outcome is the terminal classification of a retrieval task.
type Outcome string

const (
	OutcomeDocument Outcome = "DOCUMENT"
	OutcomeNoDebt   Outcome = "NO_DEBT"
	OutcomeError    Outcome = "ERROR"
)

// RetrievalResult is produced exactly once per RetrievalTask.
type RetrievalResult struct {
	ClientRef    string  `json:"client_ref"`
	Outcome      Outcome `json:"outcome"`
	DocumentPath string  `json:"document_path,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// DocumentResult builds a DOCUMENT outcome.
func DocumentResult(clientRef, path string) RetrievalResult {
	return RetrievalResult{ClientRef: clientRef, Outcome: OutcomeDocument, DocumentPath: path}
}

// NoDebtResult builds a NO_DEBT outcome.
func NoDebtResult(clientRef string) RetrievalResult {
	return RetrievalResult{ClientRef: clientRef, Outcome: OutcomeNoDebt}
}

// ErrorResult builds an ERROR outcome from err.
func ErrorResult(clientRef string, err error) RetrievalResult {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return RetrievalResult{ClientRef: clientRef, Outcome: OutcomeError, Reason: reason}
}

// Deliverable reports whether the result should produce a DeliveryJob.
func (r RetrievalResult) Deliverable() bool {
	return r.Outcome == OutcomeDocument && r.DocumentPath != ""
}

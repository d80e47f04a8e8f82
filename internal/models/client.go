package models

// ClientRecord is one spreadsheet row resolved into the fields the pipeline needs.
// Records are immutable for the lifetime of a batch.
type ClientRecord struct {
	ClientRef       string   `json:"client_ref"`
	PhoneCandidates []string `json:"phone_candidates"`
	DisplayName     string   `json:"display_name"`
	Row             []string `json:"row,omitempty"` // Raw source row, used to rebuild the no-debt report
}

// PrimaryPhone returns the first phone candidate, or "" when there is none.
func (c ClientRecord) PrimaryPhone() string {
	if len(c.PhoneCandidates) == 0 {
		return ""
	}
	return c.PhoneCandidates[0]
}

// IsComplete reports whether the record carries enough data to be processed.
func (c ClientRecord) IsComplete() bool {
	return c.ClientRef != "" && c.DisplayName != "" && len(c.PhoneCandidates) > 0
}

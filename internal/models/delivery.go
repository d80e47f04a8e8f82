package models

// DeliveryJob carries a retrieved document to one client over the tenant's
// messaging session. Created only for DOCUMENT outcomes.
type DeliveryJob struct {
	BatchID         string   `json:"batch_id"`
	TenantID        string   `json:"tenant_id"`
	PhoneNumber     string   `json:"phone_number"`
	PhoneCandidates []string `json:"phone_candidates,omitempty"`
	ClientRef       string   `json:"client_ref"`
	ClientName      string   `json:"client_name"`
	DocumentPath    string   `json:"document_path"`
	Caption         string   `json:"caption"`
}

// Candidates returns the phone numbers to try, PhoneNumber first.
func (j DeliveryJob) Candidates() []string {
	out := make([]string, 0, len(j.PhoneCandidates)+1)
	seen := make(map[string]bool)
	for _, p := range append([]string{j.PhoneNumber}, j.PhoneCandidates...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

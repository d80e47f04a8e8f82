package portal

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/dunner/internal/models"
)

// dueLineDescription labels the payment-plan instalment row in the debt table
const dueLineDescription = "Cuota Plan Pagos"

// findDueLineCheckbox returns the id of the not-yet-due checkbox on the
// payment-plan instalment row of the debt lines table.
func findDueLineCheckbox(html string) (string, error) {
	// The fragment is a bare tbody; wrap it so the parser keeps the rows
	if strings.HasPrefix(strings.TrimSpace(html), "<tbody") {
		html = "<table>" + html + "</table>"
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse debt lines: %w", err)
	}

	var checkboxID string
	doc.Find("tr.no-more-tables").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		description := strings.TrimSpace(row.Find(`td[data-title="Descripción"]`).First().Text())
		if !strings.EqualFold(description, dueLineDescription) {
			return true
		}
		if id, ok := row.Find(`input[id^="itemNoVenc"]`).First().Attr("id"); ok && id != "" {
			checkboxID = id
			return false
		}
		return true
	})

	if checkboxID == "" {
		return "", fmt.Errorf("%w: no %q row to add", models.ErrNoEligibleLines, dueLineDescription)
	}
	return checkboxID, nil
}

package batch

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/tealeg/xlsx/v2"
	"github.com/ternarybob/dunner/internal/models"
	"github.com/ternarybob/dunner/internal/services/messaging"
)

// Columns maps spreadsheet columns onto client record fields
type Columns struct {
	Ref    int
	Phones []int // Tried in order
	Name   int
}

// ReadRows returns every row of the first sheet as strings, header included
func ReadRows(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	if len(f.Sheets) == 0 {
		return nil, fmt.Errorf("spreadsheet %s has no sheets", path)
	}

	sheet := f.Sheets[0]
	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cellText(cell)
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// cellText keeps numeric cells in their stored form so long phone numbers and
// client references are not rendered in scientific notation
func cellText(cell *xlsx.Cell) string {
	if cell == nil {
		return ""
	}
	if cell.Type() == xlsx.CellTypeNumeric {
		return strings.TrimSpace(cell.Value)
	}
	return strings.TrimSpace(cell.String())
}

// WriteReport renders header and rows as an xlsx workbook with one sheet
func WriteReport(sheetName string, header []string, rows [][]string) ([]byte, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to add report sheet: %w", err)
	}

	for _, values := range append([][]string{header}, rows...) {
		row := sheet.AddRow()
		for _, value := range values {
			row.AddCell().SetString(value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write report: %w", err)
	}
	return buf.Bytes(), nil
}

// ExtractClients turns data rows (header excluded) into client records.
// Rows missing the reference, a phone or the name, and repeated references,
// are returned as skipped.
func ExtractClients(rows [][]string, columns Columns) ([]models.ClientRecord, []models.ClientRecord) {
	var clients, skipped []models.ClientRecord
	seen := make(map[string]bool)

	for _, row := range rows {
		if isBlank(row) {
			continue
		}

		record := models.ClientRecord{
			ClientRef:   column(row, columns.Ref),
			DisplayName: column(row, columns.Name),
			Row:         row,
		}
		for _, idx := range columns.Phones {
			if phone := messaging.NormalizePhone(column(row, idx)); phone != "" {
				record.PhoneCandidates = append(record.PhoneCandidates, phone)
			}
		}

		if !record.IsComplete() || seen[record.ClientRef] {
			skipped = append(skipped, record)
			continue
		}
		seen[record.ClientRef] = true
		clients = append(clients, record)
	}
	return clients, skipped
}

func column(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

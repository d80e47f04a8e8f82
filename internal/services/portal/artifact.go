package portal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/dunner/internal/models"
)

// ArtifactValidator checks a retrieved document before it is stored
type ArtifactValidator interface {
	Validate(data []byte) error
}

// PDFValidator validates documents with pdfcpu
type PDFValidator struct {
	conf *model.Configuration
}

// NewPDFValidator creates a validator using pdfcpu's relaxed validation mode
func NewPDFValidator() *PDFValidator {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFValidator{conf: conf}
}

func (v *PDFValidator) Validate(data []byte) error {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF-")) {
		return fmt.Errorf("%w: missing PDF header", models.ErrInvalidArtifact)
	}
	if err := api.Validate(bytes.NewReader(data), v.conf); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidArtifact, err)
	}
	return nil
}

// noopValidator accepts any non-empty document
type noopValidator struct{}

func (noopValidator) Validate(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty document", models.ErrInvalidArtifact)
	}
	return nil
}

// ArtifactStore writes documents to {root}/{batchID}/{clientRef}.pdf
type ArtifactStore struct {
	root string
}

// NewArtifactStore creates a store rooted at the downloads directory
func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root}
}

// BatchDir returns the batch-scoped download directory
func (s *ArtifactStore) BatchDir(batchID string) string {
	return filepath.Join(s.root, safeSegment(batchID))
}

// PathFor returns where the document for clientRef is written
func (s *ArtifactStore) PathFor(batchID, clientRef string) string {
	return filepath.Join(s.BatchDir(batchID), safeSegment(clientRef)+".pdf")
}

// Save writes the document and returns its path
func (s *ArtifactStore) Save(batchID, clientRef string, data []byte) (string, error) {
	if err := os.MkdirAll(s.BatchDir(batchID), 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	path := s.PathFor(batchID, clientRef)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write document for %s: %w", clientRef, err)
	}
	return path, nil
}

// RemoveBatch deletes the batch download directory and everything in it
func (s *ArtifactStore) RemoveBatch(batchID string) error {
	return os.RemoveAll(s.BatchDir(batchID))
}

// safeSegment keeps a client reference or batch id usable as one path element
func safeSegment(value string) string {
	value = strings.TrimSpace(value)
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	value = replacer.Replace(value)
	if value == "" || value == "." {
		return "_"
	}
	return value
}

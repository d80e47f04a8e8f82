package handlers

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/interfaces"
)

// maxUploadSize bounds uploaded spreadsheets
const maxUploadSize = 32 << 20

// FileHandler stores uploaded spreadsheets for later batches
type FileHandler struct {
	fileStorage interfaces.FileStorage
	logger      arbor.ILogger
}

func NewFileHandler(fileStorage interfaces.FileStorage, logger arbor.ILogger) *FileHandler {
	return &FileHandler{
		fileStorage: fileStorage,
		logger:      logger,
	}
}

// UploadHandler stores the multipart "file" field under its base name
func (h *FileHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid upload: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Missing file field")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(name), ".xlsx") {
		WriteError(w, http.StatusBadRequest, "Only .xlsx spreadsheets are accepted")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}

	if err := h.fileStorage.SaveFile(r.Context(), name, data); err != nil {
		h.logger.Error().Err(err).Str("filename", name).Msg("Failed to store upload")
		WriteError(w, http.StatusInternalServerError, "Failed to store file")
		return
	}

	h.logger.Info().Str("filename", name).Int("size", len(data)).Msg("Spreadsheet uploaded")
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"status":   "success",
		"filename": name,
		"size":     len(data),
	})
}

// ListHandler lists the stored spreadsheets
func (h *FileHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	files, err := h.fileStorage.ListFiles(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list files")
		WriteError(w, http.StatusInternalServerError, "Failed to list files")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
		"count": len(files),
	})
}

// DeleteHandler removes a stored spreadsheet: DELETE /api/files/{name}
func (h *FileHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/files/")
	if name == "" {
		WriteError(w, http.StatusBadRequest, "File name is required")
		return
	}
	if err := h.fileStorage.DeleteFile(r.Context(), name); err != nil {
		h.logger.Error().Err(err).Str("filename", name).Msg("Failed to delete file")
		WriteError(w, http.StatusInternalServerError, "Failed to delete file")
		return
	}
	WriteSuccess(w, "File deleted")
}

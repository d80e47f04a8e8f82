package models

import "time"

// StoredFile describes an uploaded spreadsheet held in the file store.
type StoredFile struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

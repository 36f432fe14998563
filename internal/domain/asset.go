package domain

import "time"

// Asset is an uploaded context document. TextExtract is empty when no text
// could be pulled out of the file.
type Asset struct {
	ID          string
	UserID      string
	FileName    string
	ContentType string
	Size        int64
	TextExtract string
	UploadedAt  time.Time
}

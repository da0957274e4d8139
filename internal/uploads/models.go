package uploads

// FileMetadata describes a stored blob
type FileMetadata struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Checksum string `json:"checksum"` // hex encoded SHA-256 of the content
}

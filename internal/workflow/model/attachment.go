package model

import "github.com/google/uuid"

// Attachment is a file uploaded to a card. Attachment-typed row fields hold its ID.
type Attachment struct {
	BaseModel
	CardID     uuid.UUID `gorm:"type:uuid;column:card_id;not null;index" json:"cardId"`
	Key        string    `gorm:"type:varchar(255);column:storage_key;not null;uniqueIndex" json:"-"`
	Name       string    `gorm:"type:varchar(255);column:name;not null" json:"name"`
	Size       int64     `gorm:"column:size;not null" json:"size"`
	MimeType   string    `gorm:"type:varchar(100);column:mime_type;not null" json:"mimeType"`
	Checksum   string    `gorm:"type:varchar(64);column:checksum" json:"checksum"`
	URL        string    `gorm:"-" json:"url,omitempty"`
	UploadedBy uuid.UUID `gorm:"type:uuid;column:uploaded_by;not null" json:"uploadedBy"`
}

func (a *Attachment) TableName() string {
	return "card_attachments"
}

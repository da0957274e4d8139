package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/cardflow/internal/auth"
	"github.com/OpenNSW/cardflow/internal/uploads"
	"github.com/OpenNSW/cardflow/internal/workflow/model"
)

// AttachmentService stores files referenced by attachment-typed row fields.
type AttachmentService struct {
	db      *gorm.DB
	uploads *uploads.UploadService
}

// NewAttachmentService creates a new instance of AttachmentService.
func NewAttachmentService(db *gorm.DB, uploadService *uploads.UploadService) *AttachmentService {
	return &AttachmentService{db: db, uploads: uploadService}
}

// Upload stores a file for the card. The same card status and department rules as row
// writes apply.
func (s *AttachmentService) Upload(ctx context.Context, actor *auth.Actor, cardID uuid.UUID, filename string, body io.Reader, mimeType string) (*model.Attachment, error) {
	const op = "UploadAttachment"
	if actor == nil {
		return nil, NewPermissionError(op, "authentication required", nil)
	}
	if filename == "" {
		return nil, NewValidationError(op, "file name is required", nil)
	}
	card, err := getCard(ctx, s.db, op, cardID)
	if err != nil {
		return nil, err
	}
	if err := checkCardWritable(ctx, s.db, op, actor, card); err != nil {
		return nil, err
	}

	meta, err := s.uploads.Upload(ctx, filename, body, mimeType)
	if err != nil {
		if errors.Is(err, uploads.ErrFileTooLarge) {
			return nil, NewValidationError(op, err.Error(), err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	attachment := &model.Attachment{
		CardID:     card.ID,
		Key:        meta.Key,
		Name:       meta.Name,
		Size:       meta.Size,
		MimeType:   meta.MimeType,
		Checksum:   meta.Checksum,
		UploadedBy: actor.ID,
	}
	if err := s.db.WithContext(ctx).Create(attachment).Error; err != nil {
		if delErr := s.uploads.Delete(ctx, meta.Key); delErr != nil {
			slog.WarnContext(ctx, "failed to cleanup orphaned attachment", "key", meta.Key, "error", delErr)
		}
		return nil, fmt.Errorf("failed to record attachment: %w", err)
	}
	attachment.URL = meta.URL

	slog.InfoContext(ctx, "attachment uploaded", "cardId", card.ID, "attachmentId", attachment.ID, "size", attachment.Size)
	return attachment, nil
}

// ListAttachments returns the card's attachments, oldest first.
func (s *AttachmentService) ListAttachments(ctx context.Context, cardID uuid.UUID) ([]model.Attachment, error) {
	const op = "ListAttachments"
	if _, err := getCard(ctx, s.db, op, cardID); err != nil {
		return nil, err
	}

	var attachments []model.Attachment
	if err := s.db.WithContext(ctx).
		Where("card_id = ?", cardID).
		Order("created_at ASC").
		Find(&attachments).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve attachments of card %s: %w", cardID, err)
	}
	for i := range attachments {
		url, err := s.uploads.URL(ctx, attachments[i].Key)
		if err != nil {
			slog.WarnContext(ctx, "failed to generate attachment URL", "attachmentId", attachments[i].ID, "error", err)
			continue
		}
		attachments[i].URL = url
	}
	return attachments, nil
}

// Open returns the attachment record and a reader over its content. Callers close the reader.
func (s *AttachmentService) Open(ctx context.Context, attachmentID uuid.UUID) (*model.Attachment, io.ReadCloser, error) {
	const op = "OpenAttachment"
	var attachment model.Attachment
	if err := s.db.WithContext(ctx).Where("id = ?", attachmentID).Take(&attachment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, NewNotFoundError(op, fmt.Sprintf("attachment %s not found", attachmentID))
		}
		return nil, nil, fmt.Errorf("failed to retrieve attachment %s: %w", attachmentID, err)
	}

	body, contentType, err := s.uploads.Download(ctx, attachment.Key)
	if err != nil {
		if errors.Is(err, uploads.ErrNotFound) {
			return nil, nil, NewNotFoundError(op, fmt.Sprintf("content of attachment %s is missing", attachmentID))
		}
		return nil, nil, fmt.Errorf("failed to open attachment %s: %w", attachmentID, err)
	}
	if attachment.MimeType == "" {
		attachment.MimeType = contentType
	}
	return &attachment, body, nil
}

package messages

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/filament/server/internal/api/apiutil"
	"github.com/filament/server/internal/apperr"
	"github.com/filament/server/internal/models"
	"github.com/filament/server/internal/permissions"
)

// CreateAttachment stores an unbound attachment blob for later reference by
// attachment_ids on message creation. The declared content type must match
// the type net/http sniffs from the body; a mismatch is rejected rather than
// silently corrected, since a wrong Content-Type is how disguised payloads
// get served back to other members.
func (s *Service) CreateAttachment(ctx context.Context, ownerID, guildID, channelID, filename, declaredMime string, body io.Reader) (*models.Attachment, error) {
	if s.media == nil {
		return nil, apperr.New(apperr.Internal, "attachment storage is not configured")
	}
	if filename == "" {
		return nil, apperr.New(apperr.InvalidRequest, "filename is required")
	}
	if err := s.requireCapability(ctx, ownerID, guildID, channelID, permissions.CreateMessage); err != nil {
		return nil, err
	}

	limited := io.LimitReader(body, s.maxAttachmentBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading attachment body: %w", err)
	}
	if int64(len(data)) > s.maxAttachmentBytes {
		return nil, apperr.New(apperr.PayloadTooLarge, "attachment exceeds the maximum allowed size")
	}

	sniffed := http.DetectContentType(data)
	if declaredMime != "" && !mimeFamilyMatches(declaredMime, sniffed) {
		return nil, apperr.New(apperr.InvalidRequest, "declared content type does not match file contents")
	}
	mime := declaredMime
	if mime == "" {
		mime = sniffed
	}

	var used int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM attachments WHERE owner_id = $1 AND status <> $2`,
		ownerID, models.AttachmentStatusDeleted).Scan(&used); err != nil {
		return nil, fmt.Errorf("checking attachment quota: %w", err)
	}
	if used+int64(len(data)) > s.userAttachmentQuotaBytes {
		return nil, apperr.New(apperr.QuotaExceeded, "attachment quota exceeded")
	}

	sum := sha256.Sum256(data)
	att := &models.Attachment{
		ID:        models.NewULID().String(),
		GuildID:   guildID,
		ChannelID: channelID,
		OwnerID:   ownerID,
		Filename:  filename,
		Mime:      mime,
		SizeBytes: int64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
		CreatedAt: time.Now(),
	}

	objectKey, err := s.media.Put(ctx, att.ID, filename, mime, att.SizeBytes, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("uploading attachment: %w", err)
	}
	att.ObjectKey = objectKey

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO attachments (id, guild_id, channel_id, owner_id, filename, mime, size_bytes, sha256, object_key, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		att.ID, att.GuildID, att.ChannelID, att.OwnerID, att.Filename, att.Mime, att.SizeBytes, att.SHA256, objectKey, models.AttachmentStatusUploaded, att.CreatedAt,
	); err != nil {
		if delErr := s.media.Delete(ctx, objectKey); delErr != nil {
			s.logger.Error("cleaning up orphaned attachment blob failed", "object_key", objectKey, "error", delErr.Error())
		}
		return nil, fmt.Errorf("inserting attachment: %w", err)
	}

	return att, nil
}

// mimeFamilyMatches reports whether declared and sniffed agree on the broad
// media type (e.g. "image/png" vs "image/png; charset=binary" both start
// with "image/png"), tolerating the parameters net/http's sniffer appends.
// A sniffed "application/octet-stream" (the sniffer's fallback for content
// it does not recognise) matches any declared type.
func mimeFamilyMatches(declared, sniffed string) bool {
	base := func(m string) string {
		for i, c := range m {
			if c == ';' {
				return m[:i]
			}
		}
		return m
	}
	return base(declared) == base(sniffed) || sniffed == "application/octet-stream"
}

// GetAttachment returns an attachment's metadata plus a time-limited
// download URL.
func (s *Service) GetAttachment(ctx context.Context, guildID, channelID, attachmentID string) (*models.Attachment, string, error) {
	var att models.Attachment
	err := s.pool.QueryRow(ctx,
		`SELECT id, guild_id, channel_id, owner_id, filename, mime, size_bytes, sha256, message_id, created_at, object_key
		 FROM attachments WHERE id = $1 AND guild_id = $2 AND channel_id = $3`, attachmentID, guildID, channelID,
	).Scan(&att.ID, &att.GuildID, &att.ChannelID, &att.OwnerID, &att.Filename, &att.Mime, &att.SizeBytes, &att.SHA256, &att.MessageID, &att.CreatedAt, &att.ObjectKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", apperr.New(apperr.NotFound, "attachment not found")
	}
	if err != nil {
		return nil, "", fmt.Errorf("looking up attachment: %w", err)
	}
	if s.media == nil {
		return &att, "", nil
	}
	url, err := s.media.PresignedURL(ctx, att.ObjectKey)
	if err != nil {
		return nil, "", fmt.Errorf("presigning attachment: %w", err)
	}
	return &att, url, nil
}

// DeleteAttachment removes an unbound attachment. Attachments already bound
// to a message are removed by deleting the message instead.
func (s *Service) DeleteAttachment(ctx context.Context, viewerID, guildID, channelID, attachmentID string) error {
	var ownerID string
	var messageID *string
	var objectKey string
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, message_id, object_key FROM attachments WHERE id = $1 AND guild_id = $2 AND channel_id = $3`,
		attachmentID, guildID, channelID).Scan(&ownerID, &messageID, &objectKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.NotFound, "attachment not found")
	}
	if err != nil {
		return fmt.Errorf("looking up attachment: %w", err)
	}
	if messageID != nil {
		return apperr.New(apperr.InvalidRequest, "attachment is bound to a message; delete the message instead")
	}
	if ownerID != viewerID {
		if err := s.requireCapability(ctx, viewerID, guildID, channelID, permissions.DeleteMessage); err != nil {
			return err
		}
	}

	if _, err := s.pool.Exec(ctx, `UPDATE attachments SET status = $1 WHERE id = $2`, models.AttachmentStatusDeleted, attachmentID); err != nil {
		return fmt.Errorf("marking attachment deleted: %w", err)
	}
	if s.media != nil {
		if err := s.media.Delete(ctx, objectKey); err != nil {
			s.logger.Error("deleting attachment blob failed", "object_key", objectKey, "error", err.Error())
		}
	}
	return nil
}

// HandleCreateAttachment handles POST .../channels/{channel_id}/attachments?filename=….
func (s *Service) HandleCreateAttachment(w http.ResponseWriter, r *http.Request, userID, guildID, channelID string) {
	filename := r.URL.Query().Get("filename")
	body := http.MaxBytesReader(w, r.Body, s.maxAttachmentBytes+1)
	att, err := s.CreateAttachment(r.Context(), userID, guildID, channelID, filename, r.Header.Get("Content-Type"), body)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusCreated, att)
}

// HandleGetAttachment handles GET .../attachments/{attachment_id}.
func (s *Service) HandleGetAttachment(w http.ResponseWriter, r *http.Request, guildID, channelID, attachmentID string) {
	att, url, err := s.GetAttachment(r.Context(), guildID, channelID, attachmentID)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"attachment": att, "download_url": url})
}

// HandleDeleteAttachment handles DELETE .../attachments/{attachment_id}.
func (s *Service) HandleDeleteAttachment(w http.ResponseWriter, r *http.Request, userID, guildID, channelID, attachmentID string) {
	if err := s.DeleteAttachment(r.Context(), userID, guildID, channelID, attachmentID); err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteNoContent(w)
}

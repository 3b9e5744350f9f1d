// Package messages implements the message write path: creation, edit,
// delete, and paginated history. CreateMessage is shared verbatim between
// the REST endpoint and the Gateway's message_create ingress handler, so a
// message sent over either transport has identical permission checks,
// persistence, broadcast, and search indexing.
package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filament/server/internal/api/apiutil"
	"github.com/filament/server/internal/apperr"
	"github.com/filament/server/internal/events"
	"github.com/filament/server/internal/markdown"
	"github.com/filament/server/internal/media"
	"github.com/filament/server/internal/models"
	"github.com/filament/server/internal/permissions"
	"github.com/filament/server/internal/search"
)

const (
	minContentBytes      = 1
	maxContentBytes      = 2000
	maxAttachmentsPerMsg = 10
	defaultHistoryLimit  = 20
	maxHistoryLimit      = 100
	maxEmojiRunes        = 32
)

// PermissionResolver resolves a viewer's effective capability set for a
// channel. A thin adapter over internal/permissions plus the role/override
// snapshot queries is constructed in main.go.
type PermissionResolver interface {
	Resolve(ctx context.Context, viewerID, guildID, channelID string) (permissions.Result, error)
}

// Config bundles the dependencies a Service needs.
type Config struct {
	Pool                     *pgxpool.Pool
	Bus                      *events.Bus
	Permissions              PermissionResolver
	Search                   *search.Service
	Media                    *media.AttachmentStore
	Logger                   *slog.Logger
	MaxAttachmentBytes       int64
	UserAttachmentQuotaBytes int64
}

// Service implements message creation, history, edit, and delete.
type Service struct {
	pool                     *pgxpool.Pool
	bus                      *events.Bus
	perms                    PermissionResolver
	search                   *search.Service
	media                    *media.AttachmentStore
	logger                   *slog.Logger
	maxAttachmentBytes       int64
	userAttachmentQuotaBytes int64
}

// New creates a messages Service.
func New(cfg Config) *Service {
	maxBytes := cfg.MaxAttachmentBytes
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	quota := cfg.UserAttachmentQuotaBytes
	if quota <= 0 {
		quota = 1 << 30
	}
	return &Service{
		pool:                     cfg.Pool,
		bus:                      cfg.Bus,
		perms:                    cfg.Permissions,
		search:                   cfg.Search,
		media:                    cfg.Media,
		logger:                   cfg.Logger,
		maxAttachmentBytes:       maxBytes,
		userAttachmentQuotaBytes: quota,
	}
}

// CreateMessage implements the MessageCreator interface the Gateway depends
// on, marshaling the created message to a json.RawMessage so that package
// never needs to import models.
func (s *Service) CreateMessage(ctx context.Context, userID, guildID, channelID, content string, attachmentIDs []string) (json.RawMessage, error) {
	msg, err := s.create(ctx, userID, guildID, channelID, content, attachmentIDs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// create validates content and attachment ids, requires create_message,
// allocates a sortable id, and binds attachments in a single transaction
// before broadcasting and enqueuing a search upsert.
func (s *Service) create(ctx context.Context, userID, guildID, channelID, content string, attachmentIDs []string) (*models.Message, error) {
	if err := validateContent(content, attachmentIDs); err != nil {
		return nil, err
	}
	if len(attachmentIDs) > maxAttachmentsPerMsg {
		return nil, apperr.New(apperr.InvalidRequest, "too many attachments")
	}
	if hasDuplicates(attachmentIDs) {
		return nil, apperr.New(apperr.InvalidRequest, "duplicate attachment ids")
	}

	if err := s.requireCapability(ctx, userID, guildID, channelID, permissions.CreateMessage); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:             models.NewULID().String(),
		GuildID:        guildID,
		ChannelID:      channelID,
		AuthorID:       userID,
		Content:        content,
		MarkdownTokens: markdown.Tokenize(content),
		CreatedAt:      time.Now(),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning message transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, guild_id, channel_id, author_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.GuildID, msg.ChannelID, msg.AuthorID, msg.Content, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if len(attachmentIDs) > 0 {
		tag, err := tx.Exec(ctx,
			`UPDATE attachments SET message_id = $1, status = $2
			 WHERE id = ANY($3) AND guild_id = $4 AND channel_id = $5
			   AND owner_id = $6 AND message_id IS NULL`,
			msg.ID, models.AttachmentStatusBound, attachmentIDs, guildID, channelID, userID,
		)
		if err != nil {
			return nil, fmt.Errorf("binding attachments: %w", err)
		}
		if int(tag.RowsAffected()) != len(attachmentIDs) {
			return nil, apperr.New(apperr.InvalidRequest, "one or more attachments could not be bound")
		}

		atts, err := scanAttachments(tx.Query(ctx,
			`SELECT id, guild_id, channel_id, owner_id, filename, mime, size_bytes, sha256, message_id, created_at
			 FROM attachments WHERE message_id = $1 ORDER BY created_at ASC, id ASC`, msg.ID))
		if err != nil {
			return nil, err
		}
		msg.Attachments = atts
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing message transaction: %w", err)
	}

	s.broadcastChannel(ctx, events.SubjectMessageCreate, guildID, channelID, "message_create", msg)
	s.enqueueUpsert(msg)

	return msg, nil
}

func (s *Service) requireCapability(ctx context.Context, userID, guildID, channelID string, capability uint64) error {
	if s.perms == nil {
		return nil
	}
	res, err := s.perms.Resolve(ctx, userID, guildID, channelID)
	if err != nil {
		if errors.Is(err, permissions.ErrForbidden) {
			return apperr.New(apperr.Forbidden, "not a member")
		}
		return fmt.Errorf("resolving permissions: %w", err)
	}
	if !permissions.Has(res.Capabilities, capability) {
		return apperr.New(apperr.Forbidden, "missing required capability")
	}
	return nil
}

func (s *Service) broadcastChannel(ctx context.Context, subject, guildID, channelID, eventType string, data interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishChannelEvent(ctx, subject, eventType, channelID, data); err != nil {
		s.logger.Error("broadcasting channel event failed",
			slog.String("subject", subject),
			slog.String("guild_id", guildID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) enqueueUpsert(msg *models.Message) {
	if s.search == nil {
		return
	}
	s.search.Upsert(search.MessageDocument{
		ID:        msg.ID,
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.Unix(),
	})
}

func validateContent(content string, attachmentIDs []string) error {
	if content == "" && len(attachmentIDs) == 0 {
		return apperr.New(apperr.InvalidRequest, "message must have content or at least one attachment")
	}
	if content != "" && (len(content) < minContentBytes || len(content) > maxContentBytes) {
		return apperr.New(apperr.InvalidRequest, "message content must be 1-2000 bytes")
	}
	return nil
}

func hasDuplicates(ids []string) bool {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return true
		}
		seen[id] = true
	}
	return false
}

func scanAttachments(rows pgx.Rows, queryErr error) ([]models.Attachment, error) {
	if queryErr != nil {
		return nil, fmt.Errorf("querying attachments: %w", queryErr)
	}
	defer rows.Close()
	var atts []models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.GuildID, &a.ChannelID, &a.OwnerID, &a.Filename,
			&a.Mime, &a.SizeBytes, &a.SHA256, &a.MessageID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// History returns messages in channelID ordered by id descending (newest
// first), optionally before a cursor message id, hydrated with attachments
// and a per-emoji reaction count summary.
func (s *Service) History(ctx context.Context, guildID, channelID, before string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var rows pgx.Rows
	var err error
	if before != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, guild_id, channel_id, author_id, content, edited_at, created_at
			 FROM messages WHERE guild_id = $1 AND channel_id = $2 AND id < $3
			 ORDER BY id DESC LIMIT $4`, guildID, channelID, before, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, guild_id, channel_id, author_id, content, edited_at, created_at
			 FROM messages WHERE guild_id = $1 AND channel_id = $2
			 ORDER BY id DESC LIMIT $3`, guildID, channelID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying message history: %w", err)
	}

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.GuildID, &m.ChannelID, &m.AuthorID, &m.Content, &m.EditedAt, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading message history: %w", err)
	}

	for i := range out {
		atts, err := scanAttachments(s.pool.Query(ctx,
			`SELECT id, guild_id, channel_id, owner_id, filename, mime, size_bytes, sha256, message_id, created_at
			 FROM attachments WHERE message_id = $1 ORDER BY created_at ASC, id ASC`, out[i].ID))
		if err != nil {
			return nil, err
		}
		out[i].Attachments = atts

		reactions, err := s.reactionsForMessage(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Reactions = reactions
		out[i].MarkdownTokens = markdown.Tokenize(out[i].Content)
	}

	return out, nil
}

func (s *Service) reactionsForMessage(ctx context.Context, messageID string) ([]models.Reaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT emoji, user_id FROM message_reactions WHERE message_id = $1 ORDER BY emoji, user_id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying reactions: %w", err)
	}
	defer rows.Close()

	byEmoji := make(map[string]*models.Reaction)
	var order []string
	for rows.Next() {
		var emoji, userID string
		if err := rows.Scan(&emoji, &userID); err != nil {
			return nil, fmt.Errorf("scanning reaction: %w", err)
		}
		r, ok := byEmoji[emoji]
		if !ok {
			r = &models.Reaction{Emoji: emoji}
			byEmoji[emoji] = r
			order = append(order, emoji)
		}
		r.Count++
		r.Users = append(r.Users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading reactions: %w", err)
	}

	sort.Strings(order)
	reactions := make([]models.Reaction, 0, len(order))
	for _, emoji := range order {
		reactions = append(reactions, *byEmoji[emoji])
	}
	return reactions, nil
}

// validateEmoji enforces the wire shape for a reaction's emoji identifier:
// valid UTF-8, no whitespace, at most 32 Unicode scalar values (runes). The
// value arrives percent-decoded from the route, so this is the only
// validation layer; the message_reactions table places no constraint on the
// column.
func validateEmoji(emoji string) error {
	if emoji == "" {
		return apperr.New(apperr.InvalidRequest, "emoji must not be empty")
	}
	if utf8.RuneCountInString(emoji) > maxEmojiRunes {
		return apperr.New(apperr.InvalidRequest, "emoji must be at most 32 characters")
	}
	if !utf8.ValidString(emoji) {
		return apperr.New(apperr.InvalidRequest, "emoji must be valid UTF-8")
	}
	if strings.ContainsFunc(emoji, unicode.IsSpace) {
		return apperr.New(apperr.InvalidRequest, "emoji must not contain whitespace")
	}
	return nil
}

// AddReaction records viewerID's reaction to messageID, requiring the same
// create_message capability as authoring the message itself. Duplicate
// reactions (same user, same emoji) are idempotent.
func (s *Service) AddReaction(ctx context.Context, viewerID, guildID, channelID, messageID, emoji string) error {
	if err := validateEmoji(emoji); err != nil {
		return err
	}
	if err := s.requireCapability(ctx, viewerID, guildID, channelID, permissions.CreateMessage); err != nil {
		return err
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND guild_id = $2 AND channel_id = $3)`,
		messageID, guildID, channelID).Scan(&exists); err != nil {
		return fmt.Errorf("looking up message: %w", err)
	}
	if !exists {
		return apperr.New(apperr.NotFound, "message not found")
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO message_reactions (message_id, emoji, user_id) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`, messageID, emoji, viewerID); err != nil {
		return fmt.Errorf("inserting reaction: %w", err)
	}

	s.broadcastChannel(ctx, events.SubjectMessageReactionAdd, guildID, channelID, "message_reaction_add", map[string]string{
		"message_id": messageID, "guild_id": guildID, "channel_id": channelID, "user_id": viewerID, "emoji": emoji,
	})
	return nil
}

// RemoveReaction removes viewerID's own reaction from messageID. Removing a
// reaction that was never added is a no-op, not an error.
func (s *Service) RemoveReaction(ctx context.Context, viewerID, guildID, channelID, messageID, emoji string) error {
	if err := validateEmoji(emoji); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND emoji = $2 AND user_id = $3`,
		messageID, emoji, viewerID)
	if err != nil {
		return fmt.Errorf("deleting reaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	s.broadcastChannel(ctx, events.SubjectMessageReactionDel, guildID, channelID, "message_reaction_remove", map[string]string{
		"message_id": messageID, "guild_id": guildID, "channel_id": channelID, "user_id": viewerID, "emoji": emoji,
	})
	return nil
}

// Edit updates a message's content. The author may always edit; any other
// viewer must hold delete_message, in which case the edit is a moderation
// action and the caller should write a moderation audit event.
func (s *Service) Edit(ctx context.Context, viewerID, guildID, channelID, messageID, content string) (msg *models.Message, moderation bool, err error) {
	if content == "" || len(content) > maxContentBytes {
		return nil, false, apperr.New(apperr.InvalidRequest, "message content must be 1-2000 bytes")
	}

	var authorID string
	err = s.pool.QueryRow(ctx, `SELECT author_id FROM messages WHERE id = $1 AND guild_id = $2 AND channel_id = $3`,
		messageID, guildID, channelID).Scan(&authorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperr.New(apperr.NotFound, "message not found")
	}
	if err != nil {
		return nil, false, fmt.Errorf("looking up message: %w", err)
	}

	moderation = authorID != viewerID
	if moderation {
		if err := s.requireCapability(ctx, viewerID, guildID, channelID, permissions.DeleteMessage); err != nil {
			return nil, false, err
		}
	}

	now := time.Now()
	if _, err := s.pool.Exec(ctx, `UPDATE messages SET content = $1, edited_at = $2 WHERE id = $3`, content, now, messageID); err != nil {
		return nil, false, fmt.Errorf("updating message: %w", err)
	}

	msg = &models.Message{
		ID: messageID, GuildID: guildID, ChannelID: channelID, AuthorID: authorID,
		Content: content, MarkdownTokens: markdown.Tokenize(content), EditedAt: &now,
	}
	s.broadcastChannel(ctx, events.SubjectMessageUpdate, guildID, channelID, "message_update", msg)
	if s.search != nil {
		s.search.Upsert(search.MessageDocument{ID: msg.ID, GuildID: guildID, ChannelID: channelID, AuthorID: authorID, Content: content, CreatedAt: now.Unix()})
	}

	return msg, moderation, nil
}

// Delete removes a message, cascading its attachment rows and blobs, and
// broadcasts message_delete. Authorization is symmetric to Edit: author or
// delete_message holder only.
func (s *Service) Delete(ctx context.Context, viewerID, guildID, channelID, messageID string) error {
	var authorID string
	err := s.pool.QueryRow(ctx, `SELECT author_id FROM messages WHERE id = $1 AND guild_id = $2 AND channel_id = $3`,
		messageID, guildID, channelID).Scan(&authorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.NotFound, "message not found")
	}
	if err != nil {
		return fmt.Errorf("looking up message: %w", err)
	}

	if authorID != viewerID {
		if err := s.requireCapability(ctx, viewerID, guildID, channelID, permissions.DeleteMessage); err != nil {
			return err
		}
	}

	rows, err := s.pool.Query(ctx, `SELECT object_key FROM attachments WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("querying attachment blobs: %w", err)
	}
	var objectKeys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return fmt.Errorf("scanning attachment blob key: %w", err)
		}
		objectKeys = append(objectKeys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading attachment blob keys: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM attachments WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("deleting attachment rows: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, messageID); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	if s.media != nil {
		for _, key := range objectKeys {
			if err := s.media.Delete(ctx, key); err != nil {
				s.logger.Error("deleting attachment blob failed", slog.String("object_key", key), slog.String("error", err.Error()))
			}
		}
	}

	s.broadcastChannel(ctx, events.SubjectMessageDelete, guildID, channelID, "message_delete",
		map[string]string{"id": messageID, "guild_id": guildID, "channel_id": channelID})
	if s.search != nil {
		s.search.Delete(messageID)
	}

	return nil
}

// createRequest is the POST body for message creation.
type createRequest struct {
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachment_ids"`
}

// editRequest is the PATCH body for message edits.
type editRequest struct {
	Content string `json:"content"`
}

// HandleCreate handles POST /guilds/{guild_id}/channels/{channel_id}/messages.
func (s *Service) HandleCreate(w http.ResponseWriter, r *http.Request, userID, guildID, channelID string) {
	var req createRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	msg, err := s.create(r.Context(), userID, guildID, channelID, req.Content, req.AttachmentIDs)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusCreated, msg)
}

// HandleHistory handles GET /guilds/{guild_id}/channels/{channel_id}/messages.
func (s *Service) HandleHistory(w http.ResponseWriter, r *http.Request, guildID, channelID string) {
	before := r.URL.Query().Get("before")
	msgs, err := s.History(r.Context(), guildID, channelID, before, defaultHistoryLimit)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, msgs)
}

// HandleEdit handles PATCH /guilds/{guild_id}/channels/{channel_id}/messages/{message_id}.
func (s *Service) HandleEdit(w http.ResponseWriter, r *http.Request, userID, guildID, channelID, messageID string) {
	var req editRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	msg, moderation, err := s.Edit(r.Context(), userID, guildID, channelID, messageID, req.Content)
	if err != nil {
		apperr.WriteTo(w, err)
		return
	}
	if moderation {
		if _, err := s.pool.Exec(r.Context(),
			`INSERT INTO audit_logs (id, guild_id, actor_id, target_id, action) VALUES ($1, $2, $3, $4, $5)`,
			models.NewULID().String(), guildID, userID, messageID, "message.edit.moderation"); err != nil {
			s.logger.Error("writing moderation audit event failed", slog.String("error", err.Error()))
		}
	}
	apiutil.WriteJSON(w, http.StatusOK, msg)
}

// HandleDelete handles DELETE /guilds/{guild_id}/channels/{channel_id}/messages/{message_id}.
func (s *Service) HandleDelete(w http.ResponseWriter, r *http.Request, userID, guildID, channelID, messageID string) {
	if err := s.Delete(r.Context(), userID, guildID, channelID, messageID); err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteNoContent(w)
}

// HandleAddReaction handles PUT/POST .../messages/{message_id}/reactions/{emoji}.
func (s *Service) HandleAddReaction(w http.ResponseWriter, r *http.Request, userID, guildID, channelID, messageID, emoji string) {
	if err := s.AddReaction(r.Context(), userID, guildID, channelID, messageID, emoji); err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteNoContent(w)
}

// HandleRemoveReaction handles DELETE .../messages/{message_id}/reactions/{emoji}.
func (s *Service) HandleRemoveReaction(w http.ResponseWriter, r *http.Request, userID, guildID, channelID, messageID, emoji string) {
	if err := s.RemoveReaction(r.Context(), userID, guildID, channelID, messageID, emoji); err != nil {
		apperr.WriteTo(w, err)
		return
	}
	apiutil.WriteNoContent(w)
}

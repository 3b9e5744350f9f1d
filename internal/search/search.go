// Package search integrates with Meilisearch to provide full-text search
// over message bodies. Writes are never synchronous with a message
// mutation: a single writer goroutine drains a bounded command queue and
// applies commits in batches, so the message write path waits on a slow or
// unavailable search index only once that queue is full.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/meilisearch/meilisearch-go"
)

const (
	indexName     = "messages"
	defaultBatch  = 128
	flushInterval = 500 * time.Millisecond
)

// OpKind distinguishes the two mutations the writer applies to the index.
type OpKind int

const (
	// OpUpsert indexes or re-indexes a message document.
	OpUpsert OpKind = iota
	// OpDelete removes a message document from the index.
	OpDelete
)

// Op is a single queued search mutation.
type Op struct {
	Kind      OpKind
	MessageID string
	Document  MessageDocument
	done      chan struct{}
}

// MessageDocument is the shape indexed for each message.
type MessageDocument struct {
	ID        string `json:"id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// Config bundles the dependencies a Service needs.
type Config struct {
	URL           string
	APIKey        string
	Logger        *slog.Logger
	QueueCapacity int
	QueryTimeout  time.Duration
}

// Service is a single-writer, batched Meilisearch-backed message index.
type Service struct {
	client       meilisearch.ServiceManager
	logger       *slog.Logger
	queryTimeout time.Duration

	queue chan Op
	done  chan struct{}
}

// New creates a Service and starts its background writer goroutine. Callers
// must call Close during shutdown to drain the queue and stop the writer.
func New(cfg Config) (*Service, error) {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := meilisearch.New(cfg.URL, meilisearch.WithAPIKey(cfg.APIKey))

	s := &Service{
		client:       client,
		logger:       cfg.Logger,
		queryTimeout: timeout,
		queue:        make(chan Op, capacity),
		done:         make(chan struct{}),
	}

	go s.writeLoop()

	return s, nil
}

// EnsureIndex creates the messages index if it doesn't already exist and
// configures its filterable attributes.
func (s *Service) EnsureIndex(ctx context.Context) error {
	_, err := s.client.Index(indexName).FetchInfo()
	if err == nil {
		return nil
	}

	task, err := s.client.CreateIndex(&meilisearch.IndexConfig{
		Uid:        indexName,
		PrimaryKey: "id",
	})
	if err != nil {
		return fmt.Errorf("creating search index: %w", err)
	}
	if _, err := s.client.WaitForTask(task.TaskUID, 0); err != nil {
		return fmt.Errorf("waiting for index creation: %w", err)
	}

	idx := s.client.Index(indexName)
	if _, err := idx.UpdateFilterableAttributes(&[]string{"guild_id", "channel_id", "author_id"}); err != nil {
		return fmt.Errorf("configuring filterable attributes: %w", err)
	}

	return nil
}

// Upsert enqueues a message document for indexing. It does not call the
// index itself; while the queue is full it blocks until the writer frees a
// slot or the Service is closed.
func (s *Service) Upsert(doc MessageDocument) {
	s.enqueue(Op{Kind: OpUpsert, MessageID: doc.ID, Document: doc})
}

// Delete enqueues removal of a message document from the index.
func (s *Service) Delete(messageID string) {
	s.enqueue(Op{Kind: OpDelete, MessageID: messageID})
}

func (s *Service) enqueue(op Op) {
	select {
	case s.queue <- op:
	case <-s.done:
	}
}

// writeLoop is the single writer goroutine: it batches up to defaultBatch
// queued operations or flushes whatever it has every flushInterval,
// whichever comes first.
func (s *Service) writeLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Op, 0, defaultBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.applyBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case op, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, op)
			if len(batch) >= defaultBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// applyBatch partitions a batch into upserts and deletes and submits each as
// a single Meilisearch call.
func (s *Service) applyBatch(batch []Op) {
	idx := s.client.Index(indexName)

	var upserts []MessageDocument
	var deletes []string
	for _, op := range batch {
		switch op.Kind {
		case OpUpsert:
			upserts = append(upserts, op.Document)
		case OpDelete:
			deletes = append(deletes, op.MessageID)
		}
	}

	if len(upserts) > 0 {
		if _, err := idx.UpdateDocuments(upserts); err != nil {
			s.logger.Error("search batch upsert failed", slog.String("error", err.Error()), slog.Int("count", len(upserts)))
		}
	}
	if len(deletes) > 0 {
		if _, err := idx.DeleteDocuments(deletes); err != nil {
			s.logger.Error("search batch delete failed", slog.String("error", err.Error()), slog.Int("count", len(deletes)))
		}
	}
}

// SearchResult is one hit returned from a query.
type SearchResult struct {
	MessageID string `json:"message_id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
}

// Query runs a full-text search scoped to a guild, optionally narrowed to a
// single channel, returning at most limit results.
func (s *Service) Query(ctx context.Context, guildID, channelID, query string, limit int) ([]SearchResult, error) {
	filter := fmt.Sprintf("guild_id = %q", guildID)
	if channelID != "" {
		filter += fmt.Sprintf(" AND channel_id = %q", channelID)
	}

	req := &meilisearch.SearchRequest{
		Filter: filter,
		Limit:  int64(limit),
	}

	resp, err := s.client.Index(indexName).Search(query, req)
	if err != nil {
		return nil, fmt.Errorf("querying search index: %w", err)
	}

	results := make([]SearchResult, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		raw, err := json.Marshal(hit)
		if err != nil {
			continue
		}
		var doc MessageDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		results = append(results, SearchResult{
			MessageID: doc.ID,
			GuildID:   doc.GuildID,
			ChannelID: doc.ChannelID,
			AuthorID:  doc.AuthorID,
			Content:   doc.Content,
		})
	}

	return results, nil
}

// HealthCheck verifies the Meilisearch instance is reachable.
func (s *Service) HealthCheck(ctx context.Context) error {
	healthy := s.client.IsHealthy()
	if !healthy {
		return fmt.Errorf("search health check: meilisearch reports unhealthy")
	}
	return nil
}

// Close stops the writer goroutine, flushing whatever remains queued.
func (s *Service) Close() {
	close(s.done)
	close(s.queue)
}

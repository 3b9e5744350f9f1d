package search

import (
	"testing"
	"time"
)

func TestMessageDocument_Fields(t *testing.T) {
	doc := MessageDocument{
		ID:        "msg_001",
		GuildID:   "guild_001",
		ChannelID: "ch_001",
		AuthorID:  "user_001",
		Content:   "hello world",
		CreatedAt: 1707566400,
	}

	if doc.ID != "msg_001" {
		t.Errorf("ID = %q, want %q", doc.ID, "msg_001")
	}
	if doc.Content != "hello world" {
		t.Errorf("Content = %q, want %q", doc.Content, "hello world")
	}
}

func TestOpKind_Distinct(t *testing.T) {
	if OpUpsert == OpDelete {
		t.Error("OpUpsert and OpDelete must be distinct")
	}
}

func TestService_UpsertDeleteDoNotBlock(t *testing.T) {
	s := &Service{
		queue: make(chan Op, 4),
		done:  make(chan struct{}),
	}

	s.Upsert(MessageDocument{ID: "msg_1", Content: "hi"})
	s.Delete("msg_2")

	if len(s.queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(s.queue))
	}

	first := <-s.queue
	if first.Kind != OpUpsert || first.MessageID != "msg_1" {
		t.Errorf("first op = %+v, want upsert of msg_1", first)
	}
	second := <-s.queue
	if second.Kind != OpDelete || second.MessageID != "msg_2" {
		t.Errorf("second op = %+v, want delete of msg_2", second)
	}
}

func TestService_EnqueueReturnsAfterDone(t *testing.T) {
	s := &Service{
		queue: make(chan Op), // unbuffered: a send can only complete via done
		done:  make(chan struct{}),
	}
	close(s.done)

	done := make(chan struct{})
	go func() {
		s.Upsert(MessageDocument{ID: "msg_1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue did not return after done was closed")
	}
}

package convstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agentrt/agentrt/internal/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "convstore.db")
	s, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateConversation(ctx, "debugging session", "be terse", map[string]string{"origin": "cli"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	c, err := s.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c.Title != "debugging session" || c.SystemPrompt != "be terse" {
		t.Errorf("conversation = %+v, unexpected", c)
	}
	if c.Metadata["origin"] != "cli" {
		t.Errorf("metadata = %+v, want origin=cli", c.Metadata)
	}
}

func TestAppendAndGetMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	convID, err := s.CreateConversation(ctx, "", "", nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	if _, err := s.AppendMessage(ctx, convID, wire.RoleUser, "hello", nil, nil); err != nil {
		t.Fatalf("AppendMessage (user): %v", err)
	}
	calls := []wire.ToolCall{{Name: "add", Arguments: nil}}
	if _, err := s.AppendMessage(ctx, convID, wire.RoleAssistant, "", calls, nil); err != nil {
		t.Fatalf("AppendMessage (assistant): %v", err)
	}

	msgs, err := s.GetMessages(ctx, convID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != wire.RoleUser || msgs[1].Role != wire.RoleAssistant {
		t.Errorf("unexpected message order/roles: %+v", msgs)
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Name != "add" {
		t.Errorf("tool calls not round-tripped: %+v", msgs[1].ToolCalls)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	convID, err := s.CreateConversation(ctx, "", "", nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := s.AppendMessage(ctx, convID, wire.RoleUser, "hi", nil, nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := s.DeleteConversation(ctx, convID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	msgs, err := s.GetMessages(ctx, convID)
	if err != nil {
		t.Fatalf("GetMessages after delete: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected messages cascaded away, got %d", len(msgs))
	}
}

func TestListConversationsOrdersByUpdatedDesc(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateConversation(ctx, "first", "", nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	second, err := s.CreateConversation(ctx, "second", "", nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := s.AppendMessage(ctx, first, wire.RoleUser, "bump", nil, nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	list, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 2 || list[0].ID != first {
		t.Errorf("list = %+v, want most-recently-bumped (%s) first", list, first)
	}
	_ = second
}

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/parleyhq/parley/internal/eventstore"
	"github.com/parleyhq/parley/pkg/models"
)

func TestNewConversationSeedsSystemMessage(t *testing.T) {
	c := New("c1", "u1", "You are helpful.")

	if c.ID != "c1" || c.UserID != "u1" {
		t.Fatalf("identity = %s/%s", c.ID, c.UserID)
	}
	if c.Status != models.ConversationActive {
		t.Fatalf("status = %s, want active", c.Status)
	}
	if len(c.Messages) != 1 || c.Messages[0].Role != models.RoleSystem {
		t.Fatalf("messages = %+v, want one system message", c.Messages)
	}
	if len(c.UncommittedEvents()) != 1 {
		t.Fatalf("uncommitted = %d, want 1", len(c.UncommittedEvents()))
	}
}

func TestFullTurnTranscript(t *testing.T) {
	c := New("c1", "u1", "sys")

	if _, err := c.AddUserMessage("what is 2+3?"); err != nil {
		t.Fatalf("add user message: %v", err)
	}
	msgID, err := c.AddAssistantMessage("", models.MessageStatusPending)
	if err != nil {
		t.Fatalf("add assistant message: %v", err)
	}
	if err := c.AddToolCall(msgID, "call-1", "math:add", json.RawMessage(`{"a":2,"b":3}`)); err != nil {
		t.Fatalf("add tool call: %v", err)
	}
	if err := c.AddToolResult(msgID, "call-1", true, json.RawMessage(`{"sum":5}`), "", 12); err != nil {
		t.Fatalf("add tool result: %v", err)
	}
	if err := c.UpdateMessageStatus(msgID, models.MessageStatusCompleted); err != nil {
		t.Fatalf("complete message: %v", err)
	}

	msg := c.Messages[2]
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].ID != "call-1" {
		t.Errorf("tool calls = %+v", msg.ToolCalls)
	}
	if len(msg.ToolResults) != 1 || !msg.ToolResults[0].Success {
		t.Errorf("tool results = %+v", msg.ToolResults)
	}
	if msg.Status != models.MessageStatusCompleted {
		t.Errorf("status = %s", msg.Status)
	}
}

func TestToolCallGuards(t *testing.T) {
	c := New("c1", "u1", "")
	userID, _ := c.AddUserMessage("hi")
	msgID, _ := c.AddAssistantMessage("", models.MessageStatusPending)
	if err := c.AddToolCall(msgID, "call-1", "t", nil); err != nil {
		t.Fatalf("first call: %v", err)
	}

	if err := c.AddToolCall("nope", "c2", "t", nil); !errors.Is(err, ErrMessageMissing) {
		t.Errorf("missing message: err = %v", err)
	}
	if err := c.AddToolCall(userID, "c2", "t", nil); !errors.Is(err, ErrNotAssistant) {
		t.Errorf("user target: err = %v", err)
	}
	if err := c.AddToolCall(msgID, "call-1", "t", nil); !errors.Is(err, ErrDuplicateCall) {
		t.Errorf("duplicate call id: err = %v", err)
	}
	if err := c.AddToolResult(msgID, "call-9", true, nil, "", 0); !errors.Is(err, ErrCallMissing) {
		t.Errorf("result without call: err = %v", err)
	}
	if err := c.AddToolResult(msgID, "call-1", true, nil, "", 0); err != nil {
		t.Fatalf("first result: %v", err)
	}
	if err := c.AddToolResult(msgID, "call-1", false, nil, "boom", 0); !errors.Is(err, ErrDuplicateRes) {
		t.Errorf("second result: err = %v", err)
	}
}

func TestMessageStatusMonotonic(t *testing.T) {
	c := New("c1", "u1", "")
	msgID, _ := c.AddAssistantMessage("partial", models.MessageStatusPending)

	if err := c.UpdateMessageStatus(msgID, models.MessageStatusFailed); err != nil {
		t.Fatalf("pending -> failed: %v", err)
	}
	if err := c.UpdateMessageStatus(msgID, models.MessageStatusCompleted); !errors.Is(err, ErrBadTransition) {
		t.Errorf("failed -> completed: err = %v", err)
	}
	// Same-status update is an accepted no-op.
	before := len(c.UncommittedEvents())
	if err := c.UpdateMessageStatus(msgID, models.MessageStatusFailed); err != nil {
		t.Errorf("failed -> failed: %v", err)
	}
	if len(c.UncommittedEvents()) != before {
		t.Errorf("no-op transition recorded an event")
	}
}

func TestClearMessagesIdempotent(t *testing.T) {
	c := New("c1", "u1", "sys")
	c.AddUserMessage("one")
	c.AddUserMessage("two")

	c.ClearMessages(true)
	afterOnce := make([]models.Message, len(c.Messages))
	copy(afterOnce, c.Messages)
	eventsAfterOnce := len(c.UncommittedEvents())

	c.ClearMessages(true)
	if !reflect.DeepEqual(afterOnce, c.Messages) {
		t.Errorf("second clear changed state: %+v vs %+v", afterOnce, c.Messages)
	}
	if len(c.UncommittedEvents()) != eventsAfterOnce {
		t.Errorf("second clear recorded an event")
	}
	if len(c.Messages) != 1 || c.Messages[0].Role != models.RoleSystem {
		t.Errorf("messages after clear = %+v", c.Messages)
	}
}

func TestDeleteBlocksFurtherCommands(t *testing.T) {
	c := New("c1", "u1", "")
	if err := c.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if c.Status != models.ConversationDeleted {
		t.Fatalf("status = %s", c.Status)
	}
	if err := c.Delete(); !errors.Is(err, ErrNotActive) {
		t.Errorf("second delete: err = %v", err)
	}
	if _, err := c.AddUserMessage("hi"); !errors.Is(err, ErrNotActive) {
		t.Errorf("message after delete: err = %v", err)
	}
}

func TestGetContextMessages(t *testing.T) {
	c := New("c1", "u1", "sys")
	for i := 0; i < 10; i++ {
		c.AddUserMessage("q")
		c.AddAssistantMessage("a", models.MessageStatusCompleted)
	}

	ctxMsgs := c.GetContextMessages(5)
	if len(ctxMsgs) != 5 {
		t.Fatalf("len = %d, want 5", len(ctxMsgs))
	}
	if ctxMsgs[0].Role != models.RoleSystem {
		t.Errorf("first context message role = %s, want system", ctxMsgs[0].Role)
	}
	last := c.Messages[len(c.Messages)-1]
	if ctxMsgs[len(ctxMsgs)-1].ID != last.ID {
		t.Errorf("window does not end at the latest message")
	}

	all := c.GetContextMessages(0)
	if len(all) != len(c.Messages) {
		t.Errorf("max<=0 returned %d of %d messages", len(all), len(c.Messages))
	}
}

// Folding the persisted events must reproduce the same state as executing the
// commands directly.
func TestReplayEqualsDirectExecution(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	repo := NewRepository(store)

	c := New("c1", "u1", "sys")
	c.AddUserMessage("hello")
	msgID, _ := c.AddAssistantMessage("", models.MessageStatusPending)
	c.AddToolCall(msgID, "call-1", "crm:lookup", json.RawMessage(`{"q":"x"}`))
	c.AddToolResult(msgID, "call-1", false, nil, "upstream_timeout", 3000)
	c.UpdateMessageStatus(msgID, models.MessageStatusFailed)

	if err := repo.Save(ctx, c); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(c.UncommittedEvents()) != 0 {
		t.Fatalf("uncommitted not drained after save")
	}

	replayed, err := repo.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(replayed.Messages, c.Messages) {
		t.Errorf("replayed messages differ:\n%+v\n%+v", replayed.Messages, c.Messages)
	}
	if replayed.Status != c.Status || replayed.UserID != c.UserID {
		t.Errorf("replayed header differs")
	}
	if replayed.Version() != c.Version() {
		t.Errorf("versions differ: %d vs %d", replayed.Version(), c.Version())
	}
}

func TestSaveConflictSurfaces(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	repo := NewRepository(store)

	c := New("c1", "u1", "")
	if err := repo.Save(ctx, c); err != nil {
		t.Fatalf("save: %v", err)
	}

	a, _ := repo.Load(ctx, "c1")
	b, _ := repo.Load(ctx, "c1")
	a.AddUserMessage("from a")
	b.AddUserMessage("from b")

	if err := repo.Save(ctx, a); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := repo.Save(ctx, b); !errors.Is(err, eventstore.ErrVersionConflict) {
		t.Fatalf("save b: err = %v, want version conflict", err)
	}
}

func TestLoadMissing(t *testing.T) {
	repo := NewRepository(eventstore.NewMemoryStore())
	if _, err := repo.Load(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

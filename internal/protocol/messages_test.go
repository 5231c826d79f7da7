package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageSubmitAction(t *testing.T) {
	raw := []byte(`{"type":"submit_action","action":"open the door","ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	action, ok := msg.(SubmitAction)
	if !ok {
		t.Fatalf("message type = %T, want SubmitAction", msg)
	}
	if action.Action != "open the door" {
		t.Fatalf("Action = %q, want %q", action.Action, "open the door")
	}
	if action.TSMs != 123 {
		t.Fatalf("TSMs = %d, want %d", action.TSMs, 123)
	}
}

func TestParseClientMessageLeaveSession(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"leave_session"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(LeaveSession); !ok {
		t.Fatalf("message type = %T, want LeaveSession", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsEmptyAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"submit_action","action":""}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsBadJSON(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":`))
	if err == nil {
		t.Fatalf("expected envelope error")
	}
}

func BenchmarkParseClientMessageSubmitAction(b *testing.B) {
	raw := []byte(`{"type":"submit_action","action":"sneak past the sleeping guard","ts_ms":123456}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(SubmitAction); !ok {
			b.Fatalf("message type = %T, want SubmitAction", msg)
		}
	}
}

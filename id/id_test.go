package id

import (
	"testing"
)

func TestNewCarriesPrefix(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() ID
		prefix Prefix
	}{
		{"task", NewTaskID, PrefixTask},
		{"conversation", NewConversationID, PrefixConversation},
		{"dlq", NewDLQID, PrefixDLQ},
		{"consumer", NewConsumerID, PrefixConsumer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.gen()
			if got.IsNil() {
				t.Fatal("generated ID is nil")
			}
			if got.Prefix() != tt.prefix {
				t.Errorf("prefix = %q, want %q", got.Prefix(), tt.prefix)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	orig := NewTaskID()
	parsed, err := Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.String() != orig.String() {
		t.Errorf("round trip %q -> %q", orig, parsed)
	}
}

func TestParseWithPrefixRejectsMismatch(t *testing.T) {
	taskID := NewTaskID()
	if _, err := ParseConversationID(taskID.String()); err == nil {
		t.Error("parsed a task ID as a conversation ID")
	}
	if _, err := ParseTaskID(taskID.String()); err != nil {
		t.Errorf("ParseTaskID on its own output: %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "not-a-typeid", "task_"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded", s)
		}
	}
}

func TestNilBehavior(t *testing.T) {
	if !Nil.IsNil() {
		t.Error("Nil.IsNil() = false")
	}
	if Nil.String() != "" {
		t.Errorf("Nil.String() = %q, want empty", Nil.String())
	}

	v, err := Nil.Value()
	if err != nil {
		t.Fatalf("Nil.Value: %v", err)
	}
	if v != nil {
		t.Errorf("Nil.Value() = %v, want nil for a NULL column", v)
	}
}

func TestScanAndValue(t *testing.T) {
	orig := NewConversationID()

	v, err := orig.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}

	var scanned ID
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if scanned.String() != orig.String() {
		t.Errorf("scan round trip %q -> %q", orig, scanned)
	}

	var fromNull ID
	if err := fromNull.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if !fromNull.IsNil() {
		t.Error("Scan(nil) produced a non-nil ID")
	}
}

func TestTextMarshalRoundTrip(t *testing.T) {
	orig := NewTaskID()
	data, err := orig.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}

	var back ID
	if err := back.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if back.String() != orig.String() {
		t.Errorf("text round trip %q -> %q", orig, back)
	}
}

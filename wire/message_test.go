package wire

import (
	"strings"
	"testing"
)

func TestEncodeDecodeData(t *testing.T) {
	msg := Message{
		Kind:    KindData,
		Table:   "orders",
		Op:      OpUpdate,
		Indexes: []int{0, 2, 5},
		Columns: []string{"status", "total"},
	}

	decoded, err := Decode(msg.Encode())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Table != "orders" || decoded.Op != OpUpdate {
		t.Errorf("Got table=%q op=%q", decoded.Table, decoded.Op)
	}
	if len(decoded.Indexes) != 3 || decoded.Indexes[1] != 2 {
		t.Errorf("Indexes round trip failed: %v", decoded.Indexes)
	}
	if len(decoded.Columns) != 2 || decoded.Columns[0] != "status" {
		t.Errorf("Columns round trip failed: %v", decoded.Columns)
	}
}

func TestDecodeErrorMarker(t *testing.T) {
	raw := strings.Join([]string{"data", "orders", "update", "error column user_id does not exist"}, Delimiter)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !msg.IsErr() {
		t.Fatal("Expected error marker to be detected")
	}
	if msg.ErrText != "column user_id does not exist" {
		t.Errorf("Unexpected error text: %q", msg.ErrText)
	}
	if len(msg.Indexes) != 0 {
		t.Errorf("Error message should carry no indexes, got %v", msg.Indexes)
	}
}

func TestDecodeBareErrorMarker(t *testing.T) {
	raw := strings.Join([]string{"data", "orders", "delete", "error"}, Delimiter)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !msg.IsErr() || msg.ErrText == "" {
		t.Errorf("Bare error marker should produce a default error text, got %q", msg.ErrText)
	}
}

func TestDecodeSchema(t *testing.T) {
	raw := strings.Join([]string{"schema", "ALTER TABLE", "ALTER TABLE orders ADD COLUMN note text"}, Delimiter)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Kind != KindSchema || msg.Command != "ALTER TABLE" {
		t.Errorf("Got kind=%q command=%q", msg.Kind, msg.Command)
	}
	if msg.Query == "" {
		t.Error("Expected source query to be preserved")
	}
}

func TestDecodeTriggers(t *testing.T) {
	msg, err := Decode(Message{Kind: KindTriggers}.Encode())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Kind != KindTriggers {
		t.Errorf("Got kind %q", msg.Kind)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"bogus",
		strings.Join([]string{"data", "orders"}, Delimiter),
		strings.Join([]string{"data", "orders", "truncate", "1"}, Delimiter),
		strings.Join([]string{"data", "orders", "insert", "1,x,3"}, Delimiter),
	}
	for _, raw := range cases {
		if _, err := Decode(raw); err == nil {
			t.Errorf("Decode(%q) should fail", raw)
		}
	}
}

func TestDecodeEmptyIndexList(t *testing.T) {
	raw := strings.Join([]string{"data", "orders", "insert", ""}, Delimiter)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(msg.Indexes) != 0 || msg.IsErr() {
		t.Errorf("Empty index field should decode to no indexes, got %v", msg.Indexes)
	}
}

package observ

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLogEmitsOneJSONLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	prev := SetLogOutput(&buf)
	defer SetLogOutput(prev)

	fields := map[string]any{"instrument": "AAPL", "qty": 10}
	Log("order_placed", fields)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output not valid json: %v", err)
	}
	if rec["event"] != "order_placed" {
		t.Errorf("event = %v, want order_placed", rec["event"])
	}
	if rec["instrument"] != "AAPL" {
		t.Errorf("instrument = %v, want AAPL", rec["instrument"])
	}
	if _, ok := rec["ts"]; !ok {
		t.Error("ts missing")
	}

	// the caller's map stays untouched
	if len(fields) != 2 {
		t.Errorf("caller map mutated: %v", fields)
	}
}

func TestLogNilFields(t *testing.T) {
	var buf bytes.Buffer
	prev := SetLogOutput(&buf)
	defer SetLogOutput(prev)

	Log("startup", nil)
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output not valid json: %v", err)
	}
	if rec["event"] != "startup" {
		t.Errorf("event = %v, want startup", rec["event"])
	}
}

package trace

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestEventDoneWritesValidEntry(t *testing.T) {
	var buf bytes.Buffer
	Sink(&buf)

	ev := Event("unit-test-event", 3)
	ev.Done()

	raw := strings.TrimSuffix(strings.TrimPrefix(buf.String(), "["), ",")
	var decoded PendingEvent
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("Unmarshal(%s): %v", raw, err)
	}
	if decoded.Name != "unit-test-event" {
		t.Errorf("Name = %q, want unit-test-event", decoded.Name)
	}
	if decoded.Type != "X" {
		t.Errorf("Type = %q, want X (duration event)", decoded.Type)
	}
	if decoded.Tid != 3 {
		t.Errorf("Tid = %d, want 3", decoded.Tid)
	}
}

func TestEventConcurrentWritesStayWellFormed(t *testing.T) {
	var buf bytes.Buffer
	Sink(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			Event("concurrent", i).Done()
		}(i)
	}
	wg.Wait()

	body := strings.TrimPrefix(buf.String(), "[")
	parts := strings.Split(strings.TrimSuffix(body, ","), "},")
	if len(parts) != 20 {
		t.Fatalf("got %d trace entries, want 20 (no interleaved/corrupted writes)", len(parts))
	}
}

func TestParseIntOr0(t *testing.T) {
	for _, test := range []struct {
		in   string
		want uint64
	}{
		{"42", 42},
		{"", 0},
		{"not a number", 0},
	} {
		if got := parseIntOr0(test.in); got != test.want {
			t.Errorf("parseIntOr0(%q) = %d, want %d", test.in, got, test.want)
		}
	}
}

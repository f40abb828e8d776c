package monitor

import (
	"fmt"
	"testing"
	"time"
)

func TestOutputSinkFIFOEviction(t *testing.T) {
	sink := NewOutputSink(3)
	for i := 1; i <= 5; i++ {
		sink.Append(OutputLine{MonitorID: "m", Text: fmt.Sprintf("line %d", i), Time: time.Now()})
	}

	lines := sink.Lines("")
	if len(lines) != 3 {
		t.Fatalf("expected 3 retained lines, got %d", len(lines))
	}
	for i, want := range []string{"line 3", "line 4", "line 5"} {
		if lines[i].Text != want {
			t.Errorf("line %d: expected %q, got %q", i, want, lines[i].Text)
		}
	}
}

func TestOutputSinkBoundIsPerMonitor(t *testing.T) {
	sink := NewOutputSink(10)
	sink.Append(OutputLine{MonitorID: "b", Text: "quiet monitor"})
	// A chatty monitor filling (and overflowing) its own ring must not
	// evict anyone else's lines.
	for i := 0; i < 25; i++ {
		sink.Append(OutputLine{MonitorID: "a", Text: fmt.Sprintf("chatter %d", i)})
	}

	b := sink.Lines("b")
	if len(b) != 1 || b[0].Text != "quiet monitor" {
		t.Fatalf("quiet monitor's line was evicted: %+v", b)
	}
	a := sink.Lines("a")
	if len(a) != 10 {
		t.Fatalf("expected 10 retained lines for chatty monitor, got %d", len(a))
	}
	if a[0].Text != "chatter 15" || a[9].Text != "chatter 24" {
		t.Errorf("unexpected chatty window: first=%q last=%q", a[0].Text, a[9].Text)
	}

	merged := sink.Lines("")
	if len(merged) != 11 {
		t.Fatalf("expected 11 lines in merged view, got %d", len(merged))
	}
	if merged[0].Text != "quiet monitor" {
		t.Errorf("merged view lost arrival order: first=%q", merged[0].Text)
	}
}

func TestOutputSinkFilterByMonitor(t *testing.T) {
	sink := NewOutputSink(10)
	sink.Append(OutputLine{MonitorID: "a", Text: "from a"})
	sink.Append(OutputLine{MonitorID: "b", Text: "from b"})
	sink.Append(OutputLine{MonitorID: "a", Text: "also a"})

	a := sink.Lines("a")
	if len(a) != 2 {
		t.Fatalf("expected 2 lines for a, got %d", len(a))
	}
	all := sink.Lines("")
	if len(all) != 3 {
		t.Fatalf("expected 3 lines total, got %d", len(all))
	}
}

func TestOutputSinkSubscribe(t *testing.T) {
	sink := NewOutputSink(10)
	ch, cancel := sink.Subscribe()
	defer cancel()

	sink.Append(OutputLine{MonitorID: "m", Text: "hello"})

	select {
	case line := <-ch:
		if line.Text != "hello" {
			t.Errorf("unexpected line: %q", line.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed line")
	}
}

func TestOutputSinkCancelClosesChannel(t *testing.T) {
	sink := NewOutputSink(10)
	ch, cancel := sink.Subscribe()
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Error("expected closed channel after cancel")
	}

	// Appending after cancel must not panic on the removed subscriber.
	sink.Append(OutputLine{MonitorID: "m", Text: "late"})
}

func TestOutputSinkSlowSubscriberDropsLines(t *testing.T) {
	sink := NewOutputSink(200)
	ch, cancel := sink.Subscribe()
	defer cancel()

	// Overflow the subscription buffer without reading; Append must not
	// block and the ring must keep everything it has room for.
	for i := 0; i < 150; i++ {
		sink.Append(OutputLine{MonitorID: "m", Text: fmt.Sprintf("line %d", i)})
	}
	if got := len(sink.Lines("")); got != 150 {
		t.Errorf("expected 150 retained lines, got %d", got)
	}
	if buffered := len(ch); buffered > 64 {
		t.Errorf("subscription buffered more than its capacity: %d", buffered)
	}
}

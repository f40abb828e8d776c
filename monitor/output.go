package monitor

import (
	"sort"
	"sync"
	"time"
)

// OutputLine is one line captured from a loop process.
type OutputLine struct {
	MonitorID string    `json:"monitorId"`
	Text      string    `json:"text"`
	Stderr    bool      `json:"stderr"`
	Time      time.Time `json:"time"`
}

// entry pairs a line with a sink-wide sequence number so lines from
// different monitors can be merged back into arrival order.
type entry struct {
	line OutputLine
	seq  uint64
}

// ring holds one monitor's retained lines.
type ring struct {
	entries []entry
	start   int
	count   int
}

func (r *ring) push(e entry) {
	capacity := len(r.entries)
	if r.count < capacity {
		r.entries[(r.start+r.count)%capacity] = e
		r.count++
		return
	}
	r.entries[r.start] = e
	r.start = (r.start + 1) % capacity
}

func (r *ring) all() []entry {
	out := make([]entry, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(r.start+i)%len(r.entries)])
	}
	return out
}

// OutputSink retains the most recent lines per monitor, each monitor in its
// own bounded ring. Once a monitor's ring is full its oldest line is dropped
// for each new one; monitors never evict each other's output. Live consumers
// can subscribe; slow subscribers lose lines rather than block the producer.
type OutputSink struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*ring
	seq      uint64
	subs     map[int]chan OutputLine
	nextSub  int
}

// NewOutputSink creates a sink retaining up to capacity lines per monitor.
func NewOutputSink(capacity int) *OutputSink {
	if capacity < 1 {
		capacity = 1
	}
	return &OutputSink{
		capacity: capacity,
		rings:    make(map[string]*ring),
		subs:     make(map[int]chan OutputLine),
	}
}

// Append records a line in its monitor's ring, evicting that monitor's
// oldest line if the ring is full, and fans it out to subscribers.
func (s *OutputSink) Append(line OutputLine) {
	s.mu.Lock()
	r, ok := s.rings[line.MonitorID]
	if !ok {
		r = &ring{entries: make([]entry, s.capacity)}
		s.rings[line.MonitorID] = r
	}
	r.push(entry{line: line, seq: s.seq})
	s.seq++
	subs := make([]chan OutputLine, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Lines returns retained lines in arrival order. When monitorID is
// non-empty only that monitor's lines are returned; otherwise the rings
// are merged back into a single arrival-ordered view.
func (s *OutputSink) Lines(monitorID string) []OutputLine {
	s.mu.Lock()
	defer s.mu.Unlock()

	if monitorID != "" {
		r, ok := s.rings[monitorID]
		if !ok {
			return nil
		}
		entries := r.all()
		out := make([]OutputLine, len(entries))
		for i, e := range entries {
			out[i] = e.line
		}
		return out
	}

	var merged []entry
	for _, r := range s.rings {
		merged = append(merged, r.all()...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].seq < merged[j].seq })
	out := make([]OutputLine, len(merged))
	for i, e := range merged {
		out[i] = e.line
	}
	return out
}

// Subscribe returns a channel receiving lines appended after this call,
// and a cancel function that closes the subscription.
func (s *OutputSink) Subscribe() (<-chan OutputLine, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan OutputLine, 64)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

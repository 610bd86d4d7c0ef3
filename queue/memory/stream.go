// Package memory implements queue.Stream fully in memory with the same
// consumer-group and pending-entries semantics as the Redis backend.
// Intended for unit testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/omnigate/steward/queue"
)

// Compile-time interface check.
var _ queue.Stream = (*Stream)(nil)

type entry struct {
	id     string
	values map[string]string
}

type group struct {
	// lastDelivered is the highest entry ID handed to any consumer.
	lastDelivered string
	// pel maps consumer name to its pending (delivered, unacked) entries.
	pel map[string]map[string]entry
}

type stream struct {
	entries    []entry
	groups     map[string]*group
	lastMillis int64
	lastSeq    int64
}

// Stream is an in-memory queue.Stream. Safe for concurrent use.
type Stream struct {
	mu      sync.Mutex
	streams map[string]*stream
}

// New returns an empty in-memory stream broker.
func New() *Stream {
	return &Stream{streams: make(map[string]*stream)}
}

// EnsureGroup creates the group positioned at the stream tail, matching
// the "$" semantics of the durable backend: only entries appended after
// group creation are delivered as new.
func (s *Stream) EnsureGroup(_ context.Context, streamKey, groupName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(streamKey)
	if _, ok := st.groups[groupName]; ok {
		return nil
	}
	g := &group{pel: make(map[string]map[string]entry)}
	if n := len(st.entries); n > 0 {
		g.lastDelivered = st.entries[n-1].id
	}
	st.groups[groupName] = g
	return nil
}

// Add appends an entry with a broker-assigned "millis-seq" ID.
func (s *Stream) Add(_ context.Context, streamKey string, values map[string]string, maxLen int64) (string, error) {
	return s.addAt(streamKey, values, maxLen, time.Now())
}

// AddAt appends an entry stamped at the given time. Test hook for
// staleness scenarios; the durable backend has no equivalent.
func (s *Stream) AddAt(_ context.Context, streamKey string, values map[string]string, at time.Time) (string, error) {
	return s.addAt(streamKey, values, 0, at)
}

func (s *Stream) addAt(streamKey string, values map[string]string, maxLen int64, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(streamKey)
	millis := at.UnixMilli()
	if millis == st.lastMillis {
		st.lastSeq++
	} else {
		st.lastMillis = millis
		st.lastSeq = 0
	}
	id := fmt.Sprintf("%d-%d", millis, st.lastSeq)

	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	st.entries = append(st.entries, entry{id: id, values: cp})

	if maxLen > 0 && int64(len(st.entries)) > maxLen {
		st.entries = st.entries[int64(len(st.entries))-maxLen:]
	}
	return id, nil
}

// ReadNew delivers undelivered entries to the consumer, blocking up to
// block. Polls rather than waking on append; good enough for tests.
func (s *Stream) ReadNew(ctx context.Context, streamKey, groupName, consumer string, count int64, block time.Duration) ([]queue.Message, error) {
	deadline := time.Now().Add(block)
	for {
		msgs, err := s.tryReadNew(streamKey, groupName, consumer, count)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if block <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Stream) tryReadNew(streamKey, groupName, consumer string, count int64) ([]queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(streamKey)
	g, ok := st.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("steward/memqueue: no such group %q on %q", groupName, streamKey)
	}

	var out []queue.Message
	for _, e := range st.entries {
		if int64(len(out)) >= count {
			break
		}
		if g.lastDelivered != "" && idLessEq(e.id, g.lastDelivered) {
			continue
		}
		g.lastDelivered = e.id
		if g.pel[consumer] == nil {
			g.pel[consumer] = make(map[string]entry)
		}
		g.pel[consumer][e.id] = e
		out = append(out, toMessage(e))
	}
	return out, nil
}

// ReadPending returns the consumer's pending entries in ID order.
func (s *Stream) ReadPending(_ context.Context, streamKey, groupName, consumer string, count int64) ([]queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(streamKey)
	g, ok := st.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("steward/memqueue: no such group %q on %q", groupName, streamKey)
	}

	pel := g.pel[consumer]
	out := make([]queue.Message, 0, len(pel))
	for _, e := range pel {
		out = append(out, toMessage(e))
	}
	sort.Slice(out, func(i, j int) bool { return idLessEq(out[i].ID, out[j].ID) && out[i].ID != out[j].ID })
	if count > 0 && int64(len(out)) > count {
		out = out[:count]
	}
	return out, nil
}

// Ack retires entries from the group's pending state, whichever consumer
// holds them.
func (s *Stream) Ack(_ context.Context, streamKey, groupName string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(streamKey)
	g, ok := st.groups[groupName]
	if !ok {
		return fmt.Errorf("steward/memqueue: no such group %q on %q", groupName, streamKey)
	}
	for _, id := range ids {
		for _, pel := range g.pel {
			delete(pel, id)
		}
	}
	return nil
}

// Len reports the number of entries currently held on a stream.
func (s *Stream) Len(streamKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stream(streamKey).entries)
}

// Range returns up to count entries from the head of a stream, without
// group bookkeeping. Used to inspect the dead-letter stream.
func (s *Stream) Range(streamKey string, count int64) []queue.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stream(streamKey)
	n := int64(len(st.entries))
	if count > 0 && n > count {
		n = count
	}
	out := make([]queue.Message, 0, n)
	for _, e := range st.entries[:n] {
		out = append(out, toMessage(e))
	}
	return out
}

func (s *Stream) stream(key string) *stream {
	st, ok := s.streams[key]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		s.streams[key] = st
	}
	return st
}

func toMessage(e entry) queue.Message {
	cp := make(map[string]string, len(e.values))
	for k, v := range e.values {
		cp[k] = v
	}
	return queue.Message{ID: e.id, Values: cp}
}

// idLessEq compares "millis-seq" IDs numerically.
func idLessEq(a, b string) bool {
	am, as := splitID(a)
	bm, bs := splitID(b)
	if am != bm {
		return am < bm
	}
	return as <= bs
}

func splitID(id string) (int64, int64) {
	millis, seq, _ := strings.Cut(id, "-")
	m, _ := strconv.ParseInt(millis, 10, 64) //nolint:errcheck // broker-assigned IDs are well-formed
	q, _ := strconv.ParseInt(seq, 10, 64)    //nolint:errcheck // broker-assigned IDs are well-formed
	return m, q
}

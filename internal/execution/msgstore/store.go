// Package msgstore implements the Message Store (C2): a per-execution
// multi-producer broadcast of normalized log messages with bounded history
// and a terminal Finished sentinel.
package msgstore

import (
	"sync"

	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// maxHistory bounds the retained message count. Large enough to answer the
// two backward scans the core makes (last assistant message, last error
// message) without holding an execution's entire output in memory forever.
const maxHistory = 4096

// subscriberBuffer is the bounded channel size for each subscriber. A
// subscriber slower than this is dropped rather than allowed to block the
// producer, mirroring the websocket hub's backpressure policy.
const subscriberBuffer = 256

// Store is the per-execution broadcast log. The sequence delivered to any
// subscriber is a prefix of the authoritative sequence; once Finished is
// observed, no further messages are accepted or delivered.
type Store struct {
	mu          sync.RWMutex
	history     []v1.LogMessage
	subscribers map[int]chan v1.LogMessage
	nextSubID   int
	finished    bool
}

// New returns an empty message store.
func New() *Store {
	return &Store{
		subscribers: make(map[int]chan v1.LogMessage),
	}
}

func (s *Store) push(msg v1.LogMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}

	s.history = append(s.history, msg)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	if msg.IsFinished() {
		s.finished = true
	}

	for id, ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
			// Subscriber too slow to keep up; drop it rather than block
			// every other producer and subscriber on this store.
			close(ch)
			delete(s.subscribers, id)
		}
	}

	if s.finished {
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
	}
}

// PushStdout appends a stdout chunk.
func (s *Store) PushStdout(text string) {
	s.push(v1.LogMessage{Kind: v1.LogMessageStdout, Text: text})
}

// PushStderr appends a stderr chunk.
func (s *Store) PushStderr(text string) {
	s.push(v1.LogMessage{Kind: v1.LogMessageStderr, Text: text})
}

// PushJSONPatch appends a normalized json-patch entry.
func (s *Store) PushJSONPatch(entry v1.NormalizedEntry) {
	s.push(v1.LogMessage{Kind: v1.LogMessageJSONPatch, JSONPatch: &entry})
}

// PushTokenCount appends a token-usage sample.
func (s *Store) PushTokenCount(input, output int) {
	s.push(v1.LogMessage{Kind: v1.LogMessageTokenCount, TokenCount: &v1.TokenCount{Input: input, Output: output}})
}

// PushFinished appends the terminal sentinel. All subsequent pushes are
// no-ops and every live subscriber channel is closed after receiving it.
func (s *Store) PushFinished() {
	s.push(v1.LogMessage{Kind: v1.LogMessageFinished})
}

// IsFinished reports whether the terminal sentinel has been observed.
func (s *Store) IsFinished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished
}

// GetHistory returns a consistent snapshot of every message pushed so far,
// usable for backward scans (last assistant message, last error message).
func (s *Store) GetHistory() []v1.LogMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]v1.LogMessage, len(s.history))
	copy(out, s.history)
	return out
}

// LastAssistantMessage scans history backward for the last JsonPatch entry
// normalized as an assistant message, truncated to maxLen bytes.
func (s *Store) LastAssistantMessage(maxLen int) (string, bool) {
	return s.lastNormalizedEntry(v1.NormalizedEntryAssistantMessage, maxLen)
}

// LastErrorMessage scans history backward for the last JsonPatch entry
// normalized as an error message, truncated to maxLen bytes.
func (s *Store) LastErrorMessage(maxLen int) (string, bool) {
	return s.lastNormalizedEntry(v1.NormalizedEntryErrorMessage, maxLen)
}

func (s *Store) lastNormalizedEntry(kind v1.NormalizedEntryType, maxLen int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.history) - 1; i >= 0; i-- {
		msg := s.history[i]
		if msg.Kind != v1.LogMessageJSONPatch || msg.JSONPatch == nil {
			continue
		}
		if msg.JSONPatch.Type != kind {
			continue
		}
		content := msg.JSONPatch.Content
		if maxLen > 0 && len(content) > maxLen {
			content = content[:maxLen]
		}
		return content, true
	}
	return "", false
}

// TotalTokenCount sums every TokenCount message observed so far.
func (s *Store) TotalTokenCount() (input, output int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.history {
		if msg.Kind == v1.LogMessageTokenCount && msg.TokenCount != nil {
			input += msg.TokenCount.Input
			output += msg.TokenCount.Output
		}
	}
	return input, output
}

// Subscribe registers a new live subscriber and returns its channel plus an
// unsubscribe function. The channel receives every message pushed from this
// point forward (not a history replay — callers wanting both call
// GetHistory first, then Subscribe, accepting the small race the source
// system accepts in the same shape).
func (s *Store) Subscribe() (<-chan v1.LogMessage, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan v1.LogMessage, subscriberBuffer)
	if s.finished {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			close(existing)
			delete(s.subscribers, id)
		}
	}
	return ch, unsubscribe
}

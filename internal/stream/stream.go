// Package stream fan-outs posting and reconciliation events to active
// subscribers (SSE clients).
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Event types published on the stream.
const (
	EventPostingCreated       = "posting.created"
	EventPostingReversed      = "posting.reversed"
	EventSuggestionsGenerated = "suggestions.generated"
	EventSuggestionAccepted   = "suggestion.accepted"
	EventSuggestionRejected   = "suggestion.rejected"
	EventMatchCreated         = "match.created"
)

// Event is one ledger or reconciliation happening, scoped to a client.
type Event struct {
	Type               string          `json:"type"`
	AccountingClientID int64           `json:"accounting_client_id"`
	PostingKey         string          `json:"posting_key,omitempty"`
	SuggestionID       string          `json:"suggestion_id,omitempty"`
	Amount             decimal.Decimal `json:"amount,omitempty"`
	Count              int             `json:"count,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

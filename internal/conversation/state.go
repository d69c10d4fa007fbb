package conversation

import (
	"sync"

	"jarvis/internal/models"
)

// State is the in-memory dialogue of the current session. It is never
// persisted as a whole; the durable log only holds completed exchanges.
type State struct {
	mu       sync.RWMutex
	messages []models.Message
}

func New() *State {
	return &State{}
}

func (s *State) Append(msg models.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

// Snapshot returns a copy; callers may keep it across later appends.
func (s *State) Snapshot() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Load replaces the contents with msgs.
func (s *State) Load(msgs []models.Message) {
	cloned := make([]models.Message, len(msgs))
	copy(cloned, msgs)
	s.mu.Lock()
	s.messages = cloned
	s.mu.Unlock()
}

func (s *State) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// FromHistory expands durable records into alternating user/assistant turns.
func FromHistory(records []models.HistoryRecord) []models.Message {
	msgs := make([]models.Message, 0, len(records)*2)
	for _, rec := range records {
		msgs = append(msgs,
			models.NewUserMessage(rec.UserMessage),
			models.NewAssistantMessage(rec.BotResponse),
		)
	}
	return msgs
}

package telegram

import (
	"context"
	"sync"
)

// Message is a message recorded by MockClient.
type Message struct {
	ChatID string
	Text   string
}

// MockClient is an in-memory message sender for tests. Sends to chats listed in
// Errors fail with the mapped error; everything else is recorded.
type MockClient struct {
	Errors   map[string]error
	Block    chan struct{} // when non-nil, sends wait for it to close or ctx to end
	messages []Message
	calls    int
	mu       sync.Mutex
}

// SendMessage records the message or returns the configured error.
func (m *MockClient) SendMessage(ctx context.Context, chatID, text string) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := m.Errors[chatID]; err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Message{ChatID: chatID, Text: text})
	return nil
}

// Messages returns a copy of the successfully sent messages.
func (m *MockClient) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Calls returns the number of send attempts, successful or not.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Package queue holds outgoing notifications until they are delivered or
// run out of attempts.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Message struct {
	ID         string
	To         string
	Subject    string
	Body       string
	QueuedAt   time.Time
	RetryAt    time.Time
	RetryCount int
	MaxRetries int
	LastError  string
}

// NewMessage returns a message that is due immediately.
func NewMessage(to, subject, body string, maxRetries int, now time.Time) *Message {
	return &Message{
		ID:         uuid.NewString(),
		To:         to,
		Subject:    subject,
		Body:       body,
		QueuedAt:   now,
		RetryAt:    now,
		MaxRetries: maxRetries,
	}
}

// Exhausted reports whether another attempt would exceed MaxRetries.
func (m *Message) Exhausted() bool {
	return m.RetryCount >= m.MaxRetries
}

// Queue keeps messages ordered by RetryAt. Messages due at the same instant
// leave in the order they were pushed.
type Queue struct {
	mu       sync.Mutex
	messages []*Message
}

func NewQueue() *Queue {
	return &Queue{}
}

// Push inserts msg behind every message due no later than it.
func (q *Queue) Push(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	at := sort.Search(len(q.messages), func(i int) bool {
		return q.messages[i].RetryAt.After(msg.RetryAt)
	})
	q.messages = append(q.messages, nil)
	copy(q.messages[at+1:], q.messages[at:])
	q.messages[at] = msg
}

// PopDue removes and returns the earliest message if it is due at now.
func (q *Queue) PopDue(now time.Time) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 || q.messages[0].RetryAt.After(now) {
		return nil
	}
	msg := q.messages[0]
	q.messages[0] = nil
	q.messages = q.messages[1:]
	return msg
}

// NextDue returns when the earliest message becomes due.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return time.Time{}, false
	}
	return q.messages[0].RetryAt, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Snapshot copies the queued messages in due order.
func (q *Queue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Message, len(q.messages))
	for i, msg := range q.messages {
		out[i] = *msg
	}
	return out
}

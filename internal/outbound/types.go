// Package outbound implements the durable outgoing-message queue. Messages
// are enqueued transactionally alongside the state that produced them and
// drained by a delivery worker, so a crash between "decide to notify" and
// "notify" never loses or duplicates a message.
package outbound

const (
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"

	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
	PriorityLow      = "low"
)

// Message is one queued outgoing chat message. Timestamps are epoch
// milliseconds.
type Message struct {
	ID            string  `json:"id"`
	ChatID        int64   `json:"chatId"`
	Content       string  `json:"content"`
	Priority      string  `json:"priority"`
	Status        string  `json:"status"`
	DedupeKey     *string `json:"dedupeKey,omitempty"`
	AttemptCount  int     `json:"attemptCount"`
	NextAttemptAt *int64  `json:"nextAttemptAt"`
	SentAt        *int64  `json:"sentAt"`
	FailedAt      *int64  `json:"failedAt"`
	ErrorMessage  *string `json:"errorMessage"`
	CreatedAt     int64   `json:"createdAt"`
	UpdatedAt     int64   `json:"updatedAt"`
}

// IsTerminal reports whether the message will never be attempted again.
func (m *Message) IsTerminal() bool {
	return m.Status == StatusSent || m.Status == StatusFailed || m.Status == StatusCancelled
}

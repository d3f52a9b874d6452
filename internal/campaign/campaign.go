package campaign

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a campaign.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Priority selects the rate-limiting tier a campaign sends under.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// EntryStatus represents the delivery state of one queue entry.
type EntryStatus string

const (
	EntryPending       EntryStatus = "pending"
	EntrySent          EntryStatus = "sent"
	EntryDelivered     EntryStatus = "delivered"
	EntryRead          EntryStatus = "read"
	EntryFailed        EntryStatus = "failed"
	EntryReplied       EntryStatus = "replied"
	EntryNotInterested EntryStatus = "not_interested"
	EntryCancelled     EntryStatus = "cancelled"
)

// legalTransitions enumerates the campaign state machine. Completed and
// cancelled are terminal.
var legalTransitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusRunning, StatusCancelled},
	StatusScheduled: {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the campaign status admits no further edges.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsTerminal reports whether a queue entry can still be dispatched. Anything
// past pending is done as far as the dispatch loop is concerned.
func (s EntryStatus) IsTerminal() bool {
	return s != EntryPending
}

// Attachment is a media payload referenced by a message.
type Attachment struct {
	Type    string `json:"type"` // image, video, document
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// Message is the template content of one sequence step.
type Message struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SequenceStep is one follow-up message definition. Step order in the
// Sequences slice determines the queue entry's SequenceIndex (1-based; the
// primary message is index 0).
type SequenceStep struct {
	ID         string  `json:"id"`
	DelayHours int     `json:"delayHours"`
	Message    Message `json:"message"`
}

// Timing is the per-campaign pacing configuration, layered on top of the
// per-session rate limiter.
type Timing struct {
	IntervalBetweenMessages int `json:"intervalBetweenMessages"` // seconds
	MessagesPerHour         int `json:"messagesPerHour"`
}

// Stats are aggregate counters recomputed from the queue after each tick.
type Stats struct {
	TotalContacts     int `json:"totalContacts"`
	MessagesSent      int `json:"messagesSent"`
	MessagesDelivered int `json:"messagesDelivered"`
	MessagesRead      int `json:"messagesRead"`
	Errors            int `json:"errors"`
}

// QueueEntry is one (contact, sequence-step) send. Entries are appended at
// compile time and mutated in place afterwards, never reordered.
type QueueEntry struct {
	ContactID           string       `json:"contactId"`
	Destination         string       `json:"destination"`
	Text                string       `json:"text"`
	Attachments         []Attachment `json:"attachments,omitempty"`
	Status              EntryStatus  `json:"status"`
	SequenceID          string       `json:"sequenceId,omitempty"`
	SequenceIndex       int          `json:"sequenceIndex"`
	ScheduledAt         *time.Time   `json:"scheduledAt,omitempty"`
	SentAt              *time.Time   `json:"sentAt,omitempty"`
	DeliveredAt         *time.Time   `json:"deliveredAt,omitempty"`
	ReadAt              *time.Time   `json:"readAt,omitempty"`
	MessageID           string       `json:"messageId,omitempty"`
	ErrorMessage        string       `json:"errorMessage,omitempty"`
	RetryCount          int          `json:"retryCount"`
	HasReceivedResponse bool         `json:"hasReceivedResponse"`
}

// Campaign is a messaging run bound to one session. The embedded message
// queue is the unit the dispatch loop works on.
type Campaign struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	SessionID    string         `json:"sessionId"`
	Priority     Priority       `json:"priority"`
	Status       Status         `json:"status"`
	Timing       Timing         `json:"timing"`
	Template     Message        `json:"template"`
	Sequences    []SequenceStep `json:"sequences,omitempty"`
	MessageQueue []QueueEntry   `json:"messageQueue"`
	Stats        Stats          `json:"stats"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// Transition moves the campaign along a legal edge or returns an error.
func (c *Campaign) Transition(to Status) error {
	if !CanTransition(c.Status, to) {
		return &TransitionError{From: c.Status, To: to}
	}
	now := time.Now()
	c.Status = to
	c.UpdatedAt = now
	switch to {
	case StatusRunning:
		if c.StartedAt == nil {
			c.StartedAt = &now
		}
	case StatusCompleted, StatusCancelled:
		c.CompletedAt = &now
	}
	return nil
}

// TransitionError reports an illegal state-machine edge.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return "illegal campaign transition " + string(e.From) + " -> " + string(e.To)
}

// PendingEntries returns the indices of up to max dispatchable entries, in
// queue order. Follow-up entries are skipped while their schedule is in the
// future or once the contact has responded.
func (c *Campaign) PendingEntries(now time.Time, max int) []int {
	var out []int
	for i := range c.MessageQueue {
		if len(out) >= max {
			break
		}
		e := &c.MessageQueue[i]
		if e.Status != EntryPending {
			continue
		}
		if e.ScheduledAt != nil && e.ScheduledAt.After(now) {
			continue
		}
		if e.SequenceIndex > 0 && e.HasReceivedResponse {
			continue
		}
		out = append(out, i)
	}
	return out
}

// HasPending reports whether any entry is still dispatchable now or later.
func (c *Campaign) HasPending() bool {
	for i := range c.MessageQueue {
		if c.MessageQueue[i].Status == EntryPending {
			return true
		}
	}
	return false
}

// SentWithinHour counts entries whose SentAt falls inside the trailing hour.
func (c *Campaign) SentWithinHour(now time.Time) int {
	cutoff := now.Add(-time.Hour)
	n := 0
	for i := range c.MessageQueue {
		if at := c.MessageQueue[i].SentAt; at != nil && at.After(cutoff) {
			n++
		}
	}
	return n
}

// RecomputeStats derives the aggregate counters from the queue. Delivered
// and read entries count as sent as well; they passed through sent first.
func (c *Campaign) RecomputeStats() {
	stats := Stats{}
	contacts := make(map[string]struct{})
	for i := range c.MessageQueue {
		e := &c.MessageQueue[i]
		contacts[e.ContactID] = struct{}{}
		switch e.Status {
		case EntrySent:
			stats.MessagesSent++
		case EntryDelivered:
			stats.MessagesSent++
			stats.MessagesDelivered++
		case EntryRead, EntryReplied:
			stats.MessagesSent++
			stats.MessagesDelivered++
			stats.MessagesRead++
		case EntryFailed:
			stats.Errors++
		}
	}
	stats.TotalContacts = len(contacts)
	c.Stats = stats
}

// MarkSent records a successful send. SentAt is written once and never
// overwritten afterwards.
func (c *Campaign) MarkSent(index int, messageID string, at time.Time) {
	e := &c.MessageQueue[index]
	e.Status = EntrySent
	e.MessageID = messageID
	if e.SentAt == nil {
		e.SentAt = &at
	}
	e.ErrorMessage = ""
}

// MarkFailed records a transport failure on one entry.
func (c *Campaign) MarkFailed(index int, errMsg string) {
	e := &c.MessageQueue[index]
	e.Status = EntryFailed
	e.ErrorMessage = errMsg
	e.RetryCount++
}

// CancelPendingFollowUps cancels pending follow-up entries for a contact and
// marks every entry of that contact as having received a response. Returns
// the number of entries cancelled.
func (c *Campaign) CancelPendingFollowUps(contactID string) int {
	n := 0
	for i := range c.MessageQueue {
		e := &c.MessageQueue[i]
		if e.ContactID != contactID {
			continue
		}
		e.HasReceivedResponse = true
		if e.SequenceIndex > 0 && e.Status == EntryPending {
			e.Status = EntryCancelled
			n++
		}
	}
	return n
}

// ApplyEntryStatus applies an externally reported delivery status to one
// queue entry. Replied and not_interested additionally cancel the contact's
// pending follow-ups; the count of cancelled entries is returned.
func (c *Campaign) ApplyEntryStatus(index int, status EntryStatus, at time.Time) (int, error) {
	if index < 0 || index >= len(c.MessageQueue) {
		return 0, fmt.Errorf("queue index %d out of range", index)
	}
	e := &c.MessageQueue[index]

	// SentAt is stamped the first time the entry reaches sent or any later
	// status, and never moves afterwards.
	switch status {
	case EntryPending, EntryFailed:
		e.Status = status
	case EntrySent:
		e.Status = status
		if e.SentAt == nil {
			e.SentAt = &at
		}
	case EntryDelivered:
		e.Status = status
		if e.SentAt == nil {
			e.SentAt = &at
		}
		if e.DeliveredAt == nil {
			e.DeliveredAt = &at
		}
	case EntryRead:
		e.Status = status
		if e.SentAt == nil {
			e.SentAt = &at
		}
		if e.DeliveredAt == nil {
			e.DeliveredAt = &at
		}
		if e.ReadAt == nil {
			e.ReadAt = &at
		}
	case EntryReplied, EntryNotInterested:
		e.Status = status
		if e.SentAt == nil {
			e.SentAt = &at
		}
		if e.ReadAt == nil {
			e.ReadAt = &at
		}
		return c.CancelPendingFollowUps(e.ContactID), nil
	default:
		return 0, fmt.Errorf("unknown entry status: %s", status)
	}
	return 0, nil
}

// AllSettled reports whether every queue entry is in a terminal status.
func (c *Campaign) AllSettled() bool {
	for i := range c.MessageQueue {
		if !c.MessageQueue[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

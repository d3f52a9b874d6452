package campaign

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Contact is the slice of the CRM contact the compiler needs. Contact CRUD
// itself lives outside this engine; callers pass the target set in.
type Contact struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Phone      string            `json:"phone"`
	Email      string            `json:"email,omitempty"`
	Company    string            `json:"company,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// RenderTemplate substitutes {variable} placeholders from contact fields,
// then the contact's dynamic property bag. Unresolved placeholders are left
// as literal text so one malformed contact cannot block the rest of the
// queue.
func RenderTemplate(text string, contact Contact) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		name := match[1 : len(match)-1]
		switch name {
		case "name":
			if contact.Name != "" {
				return contact.Name
			}
		case "phone":
			if contact.Phone != "" {
				return contact.Phone
			}
		case "email":
			if contact.Email != "" {
				return contact.Email
			}
		case "company":
			if contact.Company != "" {
				return contact.Company
			}
		}
		if v, ok := contact.Properties[name]; ok && v != "" {
			return v
		}
		return match
	})
}

// CompileQueue walks the target contact set and appends one pending queue
// entry per (contact, sequence step): index 0 for the primary template, then
// one per follow-up step, scheduled by the step's delay. The queue length is
// fixed from this point on.
func CompileQueue(c *Campaign, contacts []Contact) {
	now := time.Now()
	queue := make([]QueueEntry, 0, len(contacts)*(1+len(c.Sequences)))

	for _, contact := range contacts {
		queue = append(queue, QueueEntry{
			ContactID:     contact.ID,
			Destination:   contact.Phone,
			Text:          RenderTemplate(c.Template.Text, contact),
			Attachments:   c.Template.Attachments,
			Status:        EntryPending,
			SequenceIndex: 0,
		})

		for i, step := range c.Sequences {
			at := now.Add(time.Duration(step.DelayHours) * time.Hour)
			queue = append(queue, QueueEntry{
				ContactID:     contact.ID,
				Destination:   contact.Phone,
				Text:          RenderTemplate(step.Message.Text, contact),
				Attachments:   step.Message.Attachments,
				Status:        EntryPending,
				SequenceID:    step.ID,
				SequenceIndex: i + 1,
				ScheduledAt:   &at,
			})
		}
	}

	c.MessageQueue = queue
	c.RecomputeStats()
}

// transformMarkers identify media URLs rewritten by an external image
// transformation proxy. The channel rejects these payloads downstream, so a
// campaign referencing one is refused at start instead of failing per send.
var transformMarkers = []string{
	"/cdn-cgi/image/",
	"/tr:",
	"/image/upload/c_",
	"/image/upload/w_",
}

func isTransformedMediaURL(url string) bool {
	for _, marker := range transformMarkers {
		if strings.Contains(url, marker) {
			return true
		}
	}
	return false
}

func validateMessage(what string, msg Message) error {
	hasContent := strings.TrimSpace(msg.Text) != ""
	for _, att := range msg.Attachments {
		if isTransformedMediaURL(att.URL) {
			return fmt.Errorf("%s references a transformed media URL: %s", what, att.URL)
		}
		if att.URL != "" {
			hasContent = true
		}
	}
	if !hasContent {
		return fmt.Errorf("%s has no text and no attachment", what)
	}
	return nil
}

// ValidateForStart checks the content requirements a campaign must meet
// before it may move to running.
func ValidateForStart(c *Campaign) error {
	if err := validateMessage("primary message", c.Template); err != nil {
		return err
	}
	for i, step := range c.Sequences {
		if err := validateMessage(fmt.Sprintf("sequence step %d", i+1), step.Message); err != nil {
			return err
		}
	}
	if len(c.MessageQueue) == 0 {
		return fmt.Errorf("message queue is empty; compile the campaign against a contact set first")
	}
	return nil
}

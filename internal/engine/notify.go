package engine

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/realtime"
	"github.com/tbourn/go-gate-sync/internal/reconcile"
)

// Notification is handed to the notification collaborator for every inbound
// event applied to the store. The engine does not render or dispatch it.
type Notification struct {
	Title      string
	Body       string
	EventID    string
	EventType  string
	EntityType domain.EntityType
	LocalID    string
	ServerID   string
}

// notifier turns applied events into notifications.
type notifier struct {
	caser cases.Caser
}

func newNotifier(tag language.Tag) notifier {
	if tag == language.Und {
		tag = language.English
	}
	return notifier{caser: cases.Title(tag)}
}

// build returns the notification for a, or false when the event echoes the
// local user's own action.
func (n notifier) build(a reconcile.Applied) (Notification, bool) {
	if a.FromSelf {
		return Notification{}, false
	}
	out := Notification{
		EventID:    a.EventID,
		EventType:  a.Type,
		EntityType: a.EntityType,
		LocalID:    a.LocalID,
		ServerID:   a.ServerID,
	}

	switch a.Type {
	case realtime.EventMessageCreated:
		out.Title = "New Message"
		if msg, ok := a.Entity.(*domain.ChatMessage); ok {
			out.Body = msg.Content
			if out.Body == "" && msg.Attachment != nil {
				out.Body = msg.Attachment.FileName
			}
		}
	case realtime.EventMessageRead:
		out.Title = "Message Read"
	case realtime.EventEntityUpdated:
		out.Title, out.Body = n.entityUpdated(a)
	default:
		return Notification{}, false
	}
	return out, true
}

func (n notifier) entityUpdated(a reconcile.Applied) (title, body string) {
	if a.Entity == nil {
		return n.caser.String(humanize(string(a.EntityType))) + " Removed", ""
	}
	req, isRequest := a.Entity.(*domain.AccessRequest)
	if a.Assigned {
		body = "Your request has been assigned"
		if isRequest && req.AssignedTo != "" {
			body += " to " + req.AssignedTo
		}
		return "Request Assigned", body
	}
	if isRequest {
		return "Request Updated", "Your request has been " + n.caser.String(humanize(string(req.Status)))
	}
	return n.caser.String(humanize(string(a.EntityType))) + " Updated", ""
}

// humanize turns snake_case identifiers into words.
func humanize(s string) string {
	return strings.ReplaceAll(s, "_", " ")
}

package main

import (
	"strings"

	"github.com/gen2brain/beeep"
)

const maxNotificationBody = 100

// notifier raises desktop notifications for whispers and launches.
type notifier struct {
	enabled bool
	send    func(title, body string) error
}

func newNotifier(enabled bool) *notifier {
	return &notifier{
		enabled: enabled,
		send: func(title, body string) error {
			return beeep.Notify(title, body, "")
		},
	}
}

// notification returns the title and body for a line worth a notification.
func notification(line string) (title, body string, ok bool) {
	_, rest := splitTimestamp(line)
	switch classify(line) {
	case kindWhisper:
		title = "Warroom - whisper"
		body = strings.TrimSpace(strings.TrimPrefix(rest, "[Whisper]"))
	case kindLaunch:
		title = "Warroom - MISSILE LAUNCHED"
		body = strings.TrimSpace(strings.TrimPrefix(rest, "[Server]"))
	default:
		return "", "", false
	}
	if len(body) > maxNotificationBody {
		body = body[:maxNotificationBody-3] + "..."
	}
	return title, body, true
}

// observe notifies for line when enabled. Failures are returned so the
// caller can log them; they never interrupt the session.
func (n *notifier) observe(line string) error {
	if !n.enabled {
		return nil
	}
	title, body, ok := notification(line)
	if !ok {
		return nil
	}
	return n.send(title, body)
}

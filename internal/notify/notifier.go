package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agusx1211/letthemcook/internal/debug"
)

// Notifier turns loop events into notifications. Every method returns
// immediately; delivery happens in the background.
type Notifier struct {
	Sender  Sender
	Project string
	Timeout time.Duration

	wg sync.WaitGroup
}

// New returns a Notifier for s. A nil sender disables notifications.
func New(s Sender, project string) *Notifier {
	return &Notifier{Sender: s, Project: project, Timeout: 15 * time.Second}
}

// NeedsHuman reports a fallback to human control.
func (n *Notifier) NeedsHuman(reason string, err error) {
	if n == nil {
		return
	}
	body := reason
	if err != nil {
		body = fmt.Sprintf("%s: %v", reason, err)
	}
	n.send(Message{Title: n.title("needs you"), Body: body, Priority: PriorityHigh})
}

// Finished reports the end of a session.
func (n *Notifier) Finished(turns int, reason string) {
	if n == nil {
		return
	}
	n.send(Message{
		Title:    n.title("finished"),
		Body:     fmt.Sprintf("Finished after %d turns (%s).", turns, reason),
		Priority: PriorityNormal,
	})
}

func (n *Notifier) title(what string) string {
	if n.Project == "" {
		return "cook " + what
	}
	return fmt.Sprintf("cook %s [%s]", what, n.Project)
}

func (n *Notifier) send(msg Message) {
	if n.Sender == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.Timeout)
		defer cancel()
		if err := n.Sender.Send(ctx, msg); err != nil {
			debug.LogKV("notify", "send failed", "title", msg.Title, "error", err)
		}
	}()
}

// Wait blocks until queued notifications are delivered or have failed.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

package notify

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// TerminalNotifier prints notifications to the operator's terminal while the
// runner is in the foreground.
type TerminalNotifier struct {
	mu          sync.Mutex
	out         io.Writer
	bellEnabled bool
}

// NewTerminalNotifier creates a TerminalNotifier writing to out.
func NewTerminalNotifier(out io.Writer, bell bool) *TerminalNotifier {
	return &TerminalNotifier{out: out, bellEnabled: bell}
}

// Name returns the name of the notifier.
func (tn *TerminalNotifier) Name() string {
	return "terminal"
}

// IsEnabled returns whether the notifier is enabled.
func (tn *TerminalNotifier) IsEnabled() bool {
	return tn.out != nil
}

// Send prints a one-line summary of n.
func (tn *TerminalNotifier) Send(ctx context.Context, n Notification) error {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	var paint func(format string, a ...interface{}) string
	switch n.Type {
	case NotificationTrade:
		paint = color.New(color.FgGreen, color.Bold).SprintfFunc()
	case NotificationError:
		paint = color.New(color.FgRed, color.Bold).SprintfFunc()
	default:
		paint = color.New(color.FgCyan).SprintfFunc()
	}

	bell := ""
	if tn.bellEnabled && n.Type != NotificationInfo {
		bell = "\a"
	}

	_, err := fmt.Fprintf(tn.out, "%s%s %s\n", bell, n.Timestamp.Format("15:04:05"), paint("%s", n.Title))
	return err
}

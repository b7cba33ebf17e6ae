package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/RevCBH/hsenotify/internal/dispatch"
)

// Terminal writes messages to the operator's terminal with a priority marker
type Terminal struct {
	mu  sync.Mutex // Serializes writes so messages do not interleave
	out io.Writer
}

// NewTerminal creates a terminal channel writing to stderr
func NewTerminal() *Terminal {
	return &Terminal{out: os.Stderr}
}

// NewTerminalWriter creates a terminal channel writing to w
func NewTerminalWriter(w io.Writer) *Terminal {
	return &Terminal{out: w}
}

// Send writes the message. It only fails if ctx is already done.
func (t *Terminal) Send(ctx context.Context, msg dispatch.Message) dispatch.DeliveryResult {
	if err := ctx.Err(); err != nil {
		return dispatch.Transient(err)
	}

	prefix := "ℹ️  "
	switch msg.Priority {
	case "urgent":
		prefix = "🚨 "
	case "high":
		prefix = "⚠️  "
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.out, "\n%s[%s] %s (step %d)\n", prefix, msg.Priority, msg.Template, msg.Step)
	fmt.Fprintf(t.out, "   To: %s\n", strings.Join(msg.Recipients, ", "))
	fmt.Fprintf(t.out, "   Instance: %s\n", msg.InstanceID)

	keys := make([]string, 0, len(msg.Payload))
	for k := range msg.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(t.out, "   %s: %s\n", k, msg.Payload[k])
	}
	return dispatch.Success()
}

// Name returns "terminal"
func (t *Terminal) Name() string {
	return "terminal"
}

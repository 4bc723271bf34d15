package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/mailpilot/pkg/chat"
)

// DefaultEchoDelay is how long the echo backend pretends to think.
const DefaultEchoDelay = 1500 * time.Millisecond

const echoTemplate = "I understand you want help with: \"%s\"\n\n" +
	"I'm your Gmail AI assistant, ready to help you automate email tasks, manage your inbox, " +
	"and boost your productivity. What would you like me to help you with today?"

// Echo is a stand-in backend that acknowledges the latest user message
// after a fixed delay. It needs no credentials.
type Echo struct {
	delay time.Duration
}

// NewEcho creates an echo backend. A negative delay is treated as zero.
func NewEcho(delay time.Duration) *Echo {
	if delay < 0 {
		delay = 0
	}
	return &Echo{delay: delay}
}

// Name implements chat.Backend.
func (e *Echo) Name() string {
	return "echo"
}

// Reply implements chat.Backend.
func (e *Echo) Reply(ctx context.Context, turns []chat.Turn) (string, error) {
	if e.delay > 0 {
		timer := time.NewTimer(e.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == chat.RoleUser {
			return fmt.Sprintf(echoTemplate, turns[i].Content), nil
		}
	}
	return "", fmt.Errorf("no user message to answer")
}

// Package notify delivers run-outcome notifications through ntfy.sh.
// Without a configured channel every call is a no-op, so notification
// failures can never affect a run.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/cascade/retry"
	"github.com/deepnoodle-ai/cascade/slogger"
)

// Priority levels understood by ntfy.
const (
	PriorityLow     = 2
	PriorityDefault = 3
	PriorityHigh    = 4
)

// Notifier posts messages to an ntfy channel.
type Notifier struct {
	channel string
	baseURL string
	client  *http.Client
	logger  slogger.Logger
}

// New returns a Notifier for the given channel. An empty channel disables
// notifications.
func New(channel string, logger slogger.Logger) *Notifier {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Notifier{
		channel: channel,
		baseURL: "https://ntfy.sh",
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// Enabled reports whether a channel is configured.
func (n *Notifier) Enabled() bool { return n.channel != "" }

// Send posts a notification. Errors are logged and swallowed; a run never
// fails because a notification did not go out.
func (n *Notifier) Send(ctx context.Context, title, message string, priority int) {
	if !n.Enabled() {
		return
	}
	if priority == 0 {
		priority = PriorityDefault
	}
	err := retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			n.baseURL+"/"+n.channel, strings.NewReader(message))
		if err != nil {
			return err
		}
		req.Header.Set("Title", title)
		req.Header.Set("Priority", strconv.Itoa(priority))
		resp, err := n.client.Do(req)
		if err != nil {
			return retry.NewRecoverableError(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			err := fmt.Errorf("ntfy returned status %d", resp.StatusCode)
			if retry.ShouldRetry(resp.StatusCode) {
				return retry.NewRecoverableError(err)
			}
			return err
		}
		return nil
	}, retry.WithMaxRetries(2), retry.WithBaseWait(500*time.Millisecond))
	if err != nil {
		n.logger.Warn("notification failed", "title", title, "error", err)
	}
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"meetbell/internal/config"
	"meetbell/internal/model"
)

// errDaemonUnreachable means nothing answered at the daemon address.
var errDaemonUnreachable = errors.New("daemon not reachable (is \"meetbell run\" running?)")

// daemonClient talks to a running daemon's HTTP API.
type daemonClient struct {
	base string
	auth *config.BasicAuthConfig
	http *http.Client
}

func newDaemonClient(cfg *config.Config, addr string) *daemonClient {
	if addr == "" {
		addr = cfg.Listen
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &daemonClient{
		base: strings.TrimRight(addr, "/"),
		auth: cfg.BasicAuth,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *daemonClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != nil && c.auth.Username != "" {
		req.SetBasicAuth(c.auth.Username, c.auth.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errDaemonUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// NewSnoozeCommand snoozes an alert through the running daemon.
func NewSnoozeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "snooze <alert-id> [duration]",
		Short: "Snooze an alert (default 5m)",
		Long: `Push an alert back by the given duration. The daemon must be running.

Example:
  meetbell snooze 'work#abc123@stage1'
  meetbell snooze 'work#abc123@stage2' 90s`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := 5 * time.Minute
			if len(args) == 2 {
				parsed, err := time.ParseDuration(args[1])
				if err != nil {
					return fmt.Errorf("duration %q: %w", args[1], err)
				}
				d = parsed
			}
			if d < time.Second {
				return fmt.Errorf("duration must be at least 1s")
			}
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}

			var a model.ScheduledAlert
			body := map[string]any{"id": args[0], "seconds": int(d / time.Second)}
			if err := newDaemonClient(cfg, addr).post(commandContext(cmd), "/api/alerts/snooze", body, &a); err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd.OutOrStdout()).Message(a,
				"snoozed %s until %s", a.ID, a.ScheduledFireTime.Local().Format("15:04:05"))
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (defaults to listen from config)")
	return cmd
}

// NewAckCommand acknowledges both alerts of an event through the daemon.
func NewAckCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "ack <event-id>",
		Short: "Acknowledge a meeting, dropping its remaining alerts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			body := map[string]string{"event_id": args[0]}
			if err := newDaemonClient(cfg, addr).post(commandContext(cmd), "/api/alerts/ack", body, nil); err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd.OutOrStdout()).Message(body, "acknowledged %s", args[0])
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (defaults to listen from config)")
	return cmd
}

package cli

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"meetbell/internal/app"
	appLog "meetbell/internal/log"
	"meetbell/internal/model"
	"meetbell/internal/notify"
	"meetbell/internal/store"
)

// NewSyncCommand creates the one-shot sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		full  bool
		local bool
		addr  string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync every calendar once and reschedule alerts",
		Long: `Run one sync pass over all configured calendars, then one scheduling
pass over the refreshed cache.

When the daemon is running it owns the data directory, so the pass is
requested through its HTTP API. Otherwise the pass runs in this process;
alerts are persisted but not delivered, and the daemon picks them up on its
next start.

Example:
  meetbell sync
  meetbell sync --full
  meetbell sync --local`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := commandContext(cmd)

			if !local {
				body := map[string]bool{"full": full}
				err := newDaemonClient(cfg, addr).post(ctx, "/api/sync", body, nil)
				if err == nil {
					return newFormatter(rootOpts, cmd.OutOrStdout()).Message(
						map[string]any{"status": "triggered", "full": full}, "sync requested from daemon")
				}
				if !errors.Is(err, errDaemonUnreachable) {
					return err
				}
				appLog.Debug("daemon not reachable; syncing locally", "error", err.Error())
			}

			a, err := app.New(ctx, cfg, true)
			if err != nil {
				if errors.Is(err, store.ErrLocked) {
					return fmt.Errorf("%w; stop the daemon or run without --local", err)
				}
				return err
			}
			defer a.Close()

			if full {
				if err := a.Sync.ForceFullResync(); err != nil {
					return err
				}
			}

			eng := a.NewAlertEngine(notify.LogSink{})
			sum, syncErr := a.SyncOnce(ctx, eng)

			type row struct {
				Calendar string `json:"calendar"`
				Status   string `json:"status"`
				Events   int    `json:"events"`
				Deleted  int    `json:"deleted"`
				Full     bool   `json:"full"`
			}
			var data []row
			if sum != nil {
				for id, r := range sum.Results {
					data = append(data, row{Calendar: id, Status: "ok", Events: len(r.Events), Deleted: len(r.Deleted), Full: r.Full})
				}
				for id, err := range sum.Failures {
					data = append(data, row{Calendar: id, Status: err.Error()})
				}
			}
			sort.Slice(data, func(i, j int) bool { return data[i].Calendar < data[j].Calendar })

			rows := make([][]string, 0, len(data))
			for _, r := range data {
				rows = append(rows, []string{r.Calendar, r.Status, strconv.Itoa(r.Events), strconv.Itoa(r.Deleted), strconv.FormatBool(r.Full)})
			}
			if err := newFormatter(rootOpts, cmd.OutOrStdout()).Table(data, []string{"Calendar", "Status", "Events", "Deleted", "Full"}, rows); err != nil {
				return err
			}
			return syncErr
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "drop continuation tokens first")
	cmd.Flags().BoolVar(&local, "local", false, "skip the daemon and sync in this process")
	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (defaults to listen from config)")
	return cmd
}

// NewAlertsCommand lists persisted alerts.
func NewAlertsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "List scheduled and delivered alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			a, err := app.New(commandContext(cmd), cfg, false)
			if err != nil {
				return err
			}
			alerts, err := a.Alerts.Load()
			if err != nil {
				return err
			}
			sort.Slice(alerts, func(i, j int) bool { return alerts[i].ScheduledFireTime.Before(alerts[j].ScheduledFireTime) })

			rows := make([][]string, 0, len(alerts))
			for _, al := range alerts {
				rows = append(rows, []string{
					al.ID,
					al.EventTitle,
					al.ScheduledFireTime.In(a.Location).Format("Mon 15:04"),
					string(al.State),
					strconv.Itoa(al.SnoozeCount),
				})
			}
			if alerts == nil {
				alerts = []model.ScheduledAlert{}
			}
			return newFormatter(rootOpts, cmd.OutOrStdout()).Table(alerts, []string{"ID", "Meeting", "Fires", "State", "Snoozed"}, rows)
		},
	}
}

// NewEventsCommand lists cached upcoming events.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List cached upcoming events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			a, err := app.New(commandContext(cmd), cfg, false)
			if err != nil {
				return err
			}
			now := a.Now()
			events, err := a.Events.Events(now, now.AddDate(0, 0, days))
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				video := ""
				if ev.HasVideoLink() {
					video = ev.PrimaryMeetingURL
				}
				rows = append(rows, []string{
					ev.StartTime.In(a.Location).Format("Mon 01-02 15:04"),
					ev.EndTime.Sub(ev.StartTime).Round(time.Minute).String(),
					ev.CalendarID,
					ev.Title,
					video,
				})
			}
			if events == nil {
				events = []model.CalendarEvent{}
			}
			return newFormatter(rootOpts, cmd.OutOrStdout()).Table(events, []string{"Start", "Length", "Calendar", "Title", "Meeting"}, rows)
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "how many days ahead to list")
	return cmd
}

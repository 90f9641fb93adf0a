package notify

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"meetbell/internal/alert"
	appLog "meetbell/internal/log"
)

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("170")).
			Padding(0, 1)

	quietBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240")).
			Foreground(lipgloss.Color("245")).
			Faint(true).
			Padding(0, 1)

	headlineStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	titleStyle    = lipgloss.NewStyle().Bold(true)
	metaStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	lateStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// TerminalSink draws each delivery as a box on W.
type TerminalSink struct {
	W        io.Writer
	Location *time.Location
	Now      func() time.Time

	mu sync.Mutex
}

func NewTerminalSink(w io.Writer, loc *time.Location) *TerminalSink {
	return &TerminalSink{W: w, Location: loc}
}

func (t *TerminalSink) Deliver(d alert.Delivery) {
	t.write("\a" + t.render(d, "", false))
}

func (t *TerminalSink) DeliverDowngraded(d alert.Delivery, reason string) {
	t.write(t.render(d, reason, true))
}

func (t *TerminalSink) write(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := io.WriteString(t.W, s+"\n"); err != nil {
		appLog.Error("terminal sink write failed", err)
	}
}

func (t *TerminalSink) render(d alert.Delivery, reason string, downgraded bool) string {
	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}
	loc := t.Location
	if loc == nil {
		loc = time.Local
	}

	var b strings.Builder
	head := headline(d)
	if downgraded {
		b.WriteString(head)
		if reason != "" {
			b.WriteString(" (" + reason + ")")
		}
	} else {
		b.WriteString(headlineStyle.Render("🔔 " + head))
	}
	if d.Late {
		b.WriteString(" " + lateStyle.Render("[late]"))
	}

	for _, a := range d.Alerts {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render(a.EventTitle))
		meta := fmt.Sprintf("%s · %s", a.EventStartTime.In(loc).Format("15:04"), startsIn(a.EventStartTime, now))
		b.WriteString("\n" + metaStyle.Render(meta))
		if a.MeetingURL != "" {
			b.WriteString("\n" + a.MeetingURL)
		}
	}
	if len(d.Alerts) == 1 {
		b.WriteString("\n" + metaStyle.Render("meetbell snooze "+d.Alerts[0].ID+" 5m"))
	}

	if downgraded {
		return quietBoxStyle.Render(b.String())
	}
	return boxStyle.Render(b.String())
}

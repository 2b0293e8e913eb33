package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/GoCodeAlone/courier/comms"
	"github.com/GoCodeAlone/courier/server/api"
	"github.com/GoCodeAlone/courier/task"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	labelStyle  = lipgloss.NewStyle().Bold(true).Width(12)
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

func statusStyle(s task.Status) lipgloss.Style {
	color := "#AAAAAA"
	switch s {
	case task.StatusPending:
		color = "#E5C07B"
	case task.StatusProcessing:
		color = "#5B8DEF"
	case task.StatusCompleted:
		color = "#98C379"
	case task.StatusFailed:
		color = "#FF6B6B"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color))
}

// column pads s to width after truncating it to fit.
func column(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > width {
		s = string(r[:width-1]) + "…"
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

func renderTasks(w io.Writer, tasks []*task.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no tasks")) //nolint:errcheck
		return
	}
	header := column("ID", 37) + column("STATUS", 12) + column("TYPE", 12) +
		column("SOURCE", 20) + column("CLAIMED BY", 16) + "INSTRUCTION"
	fmt.Fprintln(w, headerStyle.Render(header)) //nolint:errcheck
	for _, t := range tasks {
		line := column(t.ID, 37) +
			statusStyle(t.Status).Render(column(string(t.Status), 12)) +
			column(string(t.CommandType), 12) +
			column(t.Source, 20) +
			column(t.ClaimedBy, 16) +
			column(t.Instruction, 40)
		fmt.Fprintln(w, line) //nolint:errcheck
	}
}

func renderTask(w io.Writer, t *task.Task, events []*comms.Event) {
	rows := []string{
		labelStyle.Render("id") + t.ID,
		labelStyle.Render("status") + statusStyle(t.Status).Render(string(t.Status)),
		labelStyle.Render("type") + string(t.CommandType),
		labelStyle.Render("source") + t.Source,
	}
	if t.CorrelationRef != "" {
		rows = append(rows, labelStyle.Render("ref")+t.CorrelationRef)
	}
	if t.ClaimedBy != "" {
		rows = append(rows, labelStyle.Render("claimed by")+t.ClaimedBy)
	}
	rows = append(rows,
		labelStyle.Render("created")+t.CreatedAt.Local().Format(time.DateTime),
		labelStyle.Render("notified")+fmt.Sprint(t.Notified),
		"",
		t.Instruction,
	)
	if t.Detail != "" {
		rows = append(rows, "", dimStyle.Render("detail"), t.Detail)
	}
	fmt.Fprintln(w, boxStyle.Render(strings.Join(rows, "\n"))) //nolint:errcheck

	if len(events) > 0 {
		fmt.Fprintln(w, headerStyle.Render("events")) //nolint:errcheck
		for _, ev := range events {
			fmt.Fprintf(w, "  %s  %s %s\n", //nolint:errcheck
				dimStyle.Render(ev.Timestamp.Local().Format(time.TimeOnly)),
				column(string(ev.Type), 18),
				ev.Consumer,
			)
		}
	}
}

func renderStatus(w io.Writer, st *api.StatusResponse) {
	rows := []string{
		labelStyle.Render("status") + st.Status,
		labelStyle.Render("version") + st.Version,
		labelStyle.Render("uptime") + st.Uptime,
	}
	statuses := make([]string, 0, len(st.Counts))
	for s := range st.Counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		rows = append(rows, labelStyle.Render(s)+statusStyle(task.Status(s)).Render(fmt.Sprint(st.Counts[task.Status(s)])))
	}
	fmt.Fprintln(w, boxStyle.Render(strings.Join(rows, "\n"))) //nolint:errcheck
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"paramctl/pkg/protocol"
	"paramctl/pkg/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// timeFormat is the human-facing timestamp layout of CLI output.
const timeFormat = "2006-01-02 15:04:05"

// statusOpts holds the flags of the status command.
type statusOpts struct {
	limit  int
	all    bool
	status string
	color  bool
	now    time.Time
	runDir string // PID files of this host's terminals; empty skips them
	host   string
}

// newStatusCmd creates the "paramctl status" subcommand.
func newStatusCmd(configPath *string) *cobra.Command {
	var opts statusOpts

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show terminals, recent commands and parameter state",
		Long: "Displays live terminals (all instances with --all), the most recent\n" +
			"commands and the last accepted value of every parameter. Terminal\n" +
			"processes started on this host are listed with the row they registered.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			st, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			opts.color = colorEnabled(cmd.OutOrStdout())
			opts.now = time.Now()
			opts.runDir = e.paths.RunDir
			opts.host, _ = os.Hostname()
			return runStatus(cmd.Context(), cmd.OutOrStdout(), st, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "number of recent commands to show")
	cmd.Flags().BoolVarP(&opts.all, "all", "a", false, "include crashed and stopped terminals")
	cmd.Flags().StringVar(&opts.status, "status", "", "only show commands in this status")

	return cmd
}

// colorEnabled reports whether w is an interactive terminal that accepts colour.
func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// runStatus renders the status tables to w.
func runStatus(ctx context.Context, w io.Writer, st *store.Store, opts statusOpts) error {
	status := protocol.CommandStatus(opts.status)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", opts.status)
	}

	terminals, err := st.ListTerminals(ctx, opts.all)
	if err != nil {
		return err
	}
	commands, err := st.ListCommands(ctx, store.ListOpts{Status: status, Limit: opts.limit})
	if err != nil {
		return err
	}
	states, err := st.ListStates(ctx)
	if err != nil {
		return err
	}

	th := newTheme(opts.color)

	tt := table{title: "TERMINALS", headers: []string{"ID", "ROLE", "STATUS", "PID", "HOST", "LAST HEARTBEAT", "REASON"}, statusCol: 2}
	for _, t := range terminals {
		tt.rows = append(tt.rows, []string{
			shortID(t.ID), t.Role, string(t.Status), strconv.Itoa(t.PID), t.Host,
			age(opts.now, t.LastHeartbeat), t.Reason,
		})
	}
	tt.render(w, th)

	if opts.runDir != "" {
		if err := renderLocal(ctx, w, th, st, opts); err != nil {
			return err
		}
	}

	ct := table{title: "COMMANDS", headers: []string{"ID", "PARAMETER", "VALUE", "ADDR", "KIND", "STATUS", "TRIES", "CLAIMED BY", "CREATED", "ERROR"}, statusCol: 5}
	for _, c := range commands {
		ct.rows = append(ct.rows, []string{
			shortID(c.ID), c.ParameterID, formatValue(c.TargetValue), strconv.Itoa(int(c.Address)),
			string(c.ProtocolType), string(c.Status), strconv.Itoa(c.Attempts), shortID(c.ClaimedBy),
			c.CreatedAt.Local().Format(timeFormat), errorText(c),
		})
	}
	ct.render(w, th)

	pt := table{title: "PARAMETER STATE", headers: []string{"PARAMETER", "VALUE", "ADDR", "ENCODING", "SOURCE", "UPDATED"}, statusCol: -1}
	for _, s := range states {
		pt.rows = append(pt.rows, []string{
			s.ParameterID, formatValue(s.SetValue), strconv.Itoa(int(s.Address)),
			string(s.Encoding), string(s.Source), s.UpdatedAt.Local().Format(timeFormat),
		})
	}
	pt.render(w, th)

	return nil
}

// renderLocal lists this host's terminal processes and the newest terminal
// row each one registered.
func renderLocal(ctx context.Context, w io.Writer, th theme, st *store.Store, opts statusOpts) error {
	local, err := localTerminals(opts.runDir, "")
	if err != nil {
		return err
	}
	rows, err := st.ListTerminals(ctx, true)
	if err != nil {
		return err
	}

	lt := table{title: "LOCAL PROCESSES", headers: []string{"ROLE", "PID", "PROCESS", "TERMINAL", "STATUS"}, statusCol: 4}
	for _, p := range local {
		id, status := "-", "-"
		var newest time.Time
		for _, t := range rows {
			if t.PID == p.PID && t.Host == opts.host && t.StartedAt.After(newest) {
				id, status, newest = shortID(t.ID), string(t.Status), t.StartedAt
			}
		}
		lt.rows = append(lt.rows, []string{p.Role, strconv.Itoa(p.PID), string(p.State), id, status})
	}
	lt.render(w, th)
	return nil
}

// theme holds the styles of status output. A zero-colour theme renders
// plain text.
type theme struct {
	color   bool
	title   lipgloss.Style
	header  lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
}

func newTheme(color bool) theme {
	return theme{
		color:   color,
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("240")),
		muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		failure: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

func (th theme) render(s lipgloss.Style, text string) string {
	if !th.color {
		return text
	}
	return s.Render(text)
}

// forStatus picks the style of a command or terminal status cell.
func (th theme) forStatus(status string) lipgloss.Style {
	switch status {
	case string(protocol.StatusCompleted), string(protocol.TerminalHealthy):
		return th.success
	case string(protocol.StatusFailed), string(protocol.StatusTimedOut), string(protocol.TerminalCrashed):
		return th.failure
	case string(protocol.StatusClaimed), string(protocol.StatusExecuting), string(protocol.TerminalStarting):
		return th.warning
	default:
		return th.muted
	}
}

// table is a left-aligned text table with one optional status column.
type table struct {
	title     string
	headers   []string
	rows      [][]string
	statusCol int // -1: none
}

func (t table) render(w io.Writer, th theme) {
	fmt.Fprintln(w, th.render(th.title, t.title))
	if len(t.rows) == 0 {
		fmt.Fprintln(w, th.render(th.muted, "  (none)"))
		fmt.Fprintln(w)
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	line := func(cells []string, style func(i int, cell string) lipgloss.Style) {
		var b strings.Builder
		b.WriteString("  ")
		for i, cell := range cells {
			b.WriteString(th.render(style(i, cell), cell))
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}

	line(t.headers, func(int, string) lipgloss.Style { return th.header })
	for _, row := range t.rows {
		line(row, func(i int, cell string) lipgloss.Style {
			if i == t.statusCol {
				return th.forStatus(cell)
			}
			return lipgloss.NewStyle()
		})
	}
	fmt.Fprintln(w)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}

func errorText(c protocol.Command) string {
	if c.ErrorKind == "" {
		return ""
	}
	detail := c.ErrorDetail
	if len(detail) > 60 {
		detail = detail[:57] + "..."
	}
	return string(c.ErrorKind) + ": " + detail
}

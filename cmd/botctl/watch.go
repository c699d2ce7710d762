package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/betbot/botfleet/internal/supervisor"
	"github.com/betbot/botfleet/pkg/client"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // 绿色
	backoffStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // 黄色
	deadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // 红色
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// snapshotMsg 一次轮询结果
type snapshotMsg struct {
	usage supervisor.Usage
	bots  []supervisor.Status
	err   error
	at    time.Time
}

type tickMsg time.Time

type watchModel struct {
	c        *client.Client
	interval time.Duration

	usage supervisor.Usage
	bots  []supervisor.Status
	err   error
	at    time.Time
}

func runWatch(c *client.Client, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	p := tea.NewProgram(watchModel{c: c, interval: interval}, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m watchModel) Init() tea.Cmd {
	return fetchCmd(m.c)
}

func fetchCmd(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msg := snapshotMsg{at: time.Now()}
		msg.usage, msg.err = c.Usage(ctx)
		if msg.err == nil {
			msg.bots, msg.err = c.AllBots(ctx)
		}
		return msg
	}
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.c)
		}
	case snapshotMsg:
		m.err = msg.err
		m.at = msg.at
		if msg.err == nil {
			m.usage = msg.usage
			m.bots = msg.bots
		}
		return m, tickCmd(m.interval)
	case tickMsg:
		return m, fetchCmd(m.c)
	}
	return m, nil
}

func stateStyle(s supervisor.State) lipgloss.Style {
	switch s {
	case supervisor.StateRunning, supervisor.StateStarting:
		return runningStyle
	case supervisor.StateBackoff:
		return backoffStyle
	case supervisor.StateDead:
		return deadStyle
	}
	return mutedStyle
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("botfleet"))
	b.WriteString(" ")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("updated %s  (q 退出, r 刷新)", m.at.Format("15:04:05"))))
	b.WriteString("\n\n")

	u := m.usage
	summary := fmt.Sprintf("live %d/%d   running %d   backoff %d   meters %d\nmemory %.1f%% (high water %.0f%%)",
		u.Live, u.GlobalCeiling, u.Running, u.Backoff, u.Meters, u.MemoryUtilization*100, u.HighWater*100)
	b.WriteString(borderStyle.Render(summary))
	b.WriteString("\n\n")

	bots := append([]supervisor.Status(nil), m.bots...)
	sort.Slice(bots, func(i, j int) bool {
		if bots[i].Tenant != bots[j].Tenant {
			return bots[i].Tenant < bots[j].Tenant
		}
		return bots[i].BotID < bots[j].BotID
	})
	fmt.Fprintf(&b, "%-16s %-20s %-9s %8s %9s %8s\n", "TENANT", "BOT", "STATE", "PID", "UPTIME", "RESTARTS")
	for _, s := range bots {
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		uptime := "-"
		if s.Running {
			uptime = (time.Duration(s.UptimeSeconds) * time.Second).String()
		}
		state := stateStyle(s.State).Render(fmt.Sprintf("%-9s", s.State))
		fmt.Fprintf(&b, "%-16s %-20s %s %8s %9s %8d\n", s.Tenant, s.BotID, state, pid, uptime, s.RestartAttempts)
	}
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errStyle.Render("error: " + m.err.Error()))
	}
	return b.String()
}

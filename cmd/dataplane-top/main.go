// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command dataplane-top is a live terminal dashboard over
// internal/controlplane's read-only stats endpoints: aggregate and
// per-worker packet/drop counters, polled on an interval. It is an
// observability client sitting outside the core per spec.md §1, not a
// configuration tool — see cmd/dataplanectl for that.
//
// Grounded on the bubbletea Model/Update/View and tea.Tick polling style
// of _examples/grimm-is-flywall/internal/tui/model.go and dashboard.go,
// collapsed from that package's multi-screen (flows/policy/history/
// config) application down to the single scrolling counter screen this
// spec calls for.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func main() {
	var addr string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "dataplane-top",
		Short: "Live per-worker counter dashboard for the data plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := tea.NewProgram(newModel(addr, interval), tea.WithAltScreen())
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:9090", "control-plane API base address")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type aggregateSnapshot struct {
	PacketsIn       uint64            `json:"PacketsIn"`
	PacketsOut      uint64            `json:"PacketsOut"`
	BytesOut        uint64            `json:"BytesOut"`
	Dropped         uint64            `json:"Dropped"`
	PolicyDenies    uint64            `json:"PolicyDenies"`
	IPSDrops        uint64            `json:"IPSDrops"`
	DLPDrops        uint64            `json:"DLPDrops"`
	NATExhausted    uint64            `json:"NATExhausted"`
	RateLimited     uint64            `json:"RateLimited"`
	DropsByCategory map[string]uint64 `json:"DropsByCategory"`
}

type tickMsg time.Time

type statsMsg struct {
	aggregate aggregateSnapshot
	perWorker map[int]aggregateSnapshot
	err       error
}

type model struct {
	addr     string
	interval time.Duration

	aggregate aggregateSnapshot
	perWorker map[int]aggregateSnapshot
	lastErr   error
	width     int
}

func newModel(addr string, interval time.Duration) model {
	return model{addr: addr, interval: interval}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tickEvery(m.interval))
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) poll() tea.Cmd {
	addr := m.addr
	return func() tea.Msg {
		var agg aggregateSnapshot
		if err := fetchJSON(addr+"/api/v1/stats", &agg); err != nil {
			return statsMsg{err: err}
		}
		var perWorker map[int]aggregateSnapshot
		if err := fetchJSON(addr+"/api/v1/stats/workers", &perWorker); err != nil {
			return statsMsg{err: err}
		}
		return statsMsg{aggregate: agg, perWorker: perWorker}
	}
}

func fetchJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.poll(), tickEvery(m.interval))
	case statsMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.aggregate = msg.aggregate
			m.perWorker = msg.perWorker
		}
		return m, nil
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func (m model) View() string {
	if m.lastErr != nil {
		return titleStyle.Render("dataplane-top") + "\n\n" +
			errStyle.Render("error: "+m.lastErr.Error()) + "\n\n" +
			labelStyle.Render("press q to quit")
	}

	s := titleStyle.Render("dataplane-top") + "\n\n"
	s += fmt.Sprintf("%s %d   %s %d   %s %d   %s %d\n",
		labelStyle.Render("in:"), m.aggregate.PacketsIn,
		labelStyle.Render("out:"), m.aggregate.PacketsOut,
		labelStyle.Render("bytes_out:"), m.aggregate.BytesOut,
		labelStyle.Render("dropped:"), m.aggregate.Dropped)
	s += fmt.Sprintf("%s %d   %s %d   %s %d   %s %d\n\n",
		labelStyle.Render("policy_deny:"), m.aggregate.PolicyDenies,
		labelStyle.Render("ips:"), m.aggregate.IPSDrops,
		labelStyle.Render("dlp:"), m.aggregate.DLPDrops,
		labelStyle.Render("nat_exhausted:"), m.aggregate.NATExhausted)

	s += titleStyle.Render("workers") + "\n"
	for id := 0; id < len(m.perWorker); id++ {
		w, ok := m.perWorker[id]
		if !ok {
			continue
		}
		s += fmt.Sprintf("  [%d] in=%d out=%d dropped=%d rate_limited=%d\n", id, w.PacketsIn, w.PacketsOut, w.Dropped, w.RateLimited)
	}

	s += "\n" + labelStyle.Render("press q to quit")
	return s
}

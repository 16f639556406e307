// scalper-report is a terminal browser over stored backtest runs: a run
// list on top of the sqlite trade log, with per-run summary metrics and
// the trade-by-trade breakdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"scalper/internal/config"
	"scalper/internal/domain"
	"scalper/internal/replay"
	"scalper/internal/store"
	"scalper/internal/util"
)

// Styles.
var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	footerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
	runStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	gainStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	killedStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	colHdrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func defaultConfigPath() string {
	if p := os.Getenv("SCALPER_CONFIG"); p != "" {
		return p
	}
	return "config/scalper.yaml"
}

// Messages.
type runLoadedMsg struct {
	runID   string
	summary replay.Summary
	trades  []domain.TradeRecord
	err     error
}

type runDetail struct {
	summary replay.Summary
	trades  []domain.TradeRecord
}

// Model.
type model struct {
	db     *store.SQLiteStore
	logger *slog.Logger

	runs   []string
	runIdx int

	detailMode bool
	loading    bool
	detail     *runDetail
	detailRun  string
	cache      map[string]*runDetail

	viewport      viewport.Model
	ready         bool
	width, height int
}

func initialModel(db *store.SQLiteStore, runs []string, logger *slog.Logger) model {
	return model{
		db:     db,
		logger: logger,
		runs:   runs,
		cache:  make(map[string]*runDetail),
	}
}

func (m model) Init() tea.Cmd { return nil }

// loadRunCmd fetches a run's trades and equity curve off the UI goroutine
// and derives the summary metrics.
func (m *model) loadRunCmd(runID string) tea.Cmd {
	db := m.db
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		trades, err := db.ListTrades(ctx, runID)
		if err != nil {
			return runLoadedMsg{runID: runID, err: err}
		}
		curve, err := db.ListEquityCurve(ctx, runID)
		if err != nil {
			return runLoadedMsg{runID: runID, err: err}
		}
		res := &replay.Result{Trades: trades, EquityCurve: curve}
		if len(curve) > 0 {
			res.FinalEquity = curve[len(curve)-1].Equity
		}
		return runLoadedMsg{runID: runID, summary: replay.Summarize(res), trades: trades}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up":
			if !m.detailMode && m.runIdx > 0 {
				m.runIdx--
				m.viewport.SetContent(m.renderContent())
			}
		case "down":
			if !m.detailMode && m.runIdx < len(m.runs)-1 {
				m.runIdx++
				m.viewport.SetContent(m.renderContent())
			}
		case "enter", "right":
			if m.detailMode || m.loading || len(m.runs) == 0 {
				return m, nil
			}
			runID := m.runs[m.runIdx]
			if d, ok := m.cache[runID]; ok {
				m.detailMode = true
				m.detail = d
				m.detailRun = runID
				m.viewport.SetContent(m.renderContent())
				m.viewport.GotoTop()
				return m, nil
			}
			m.loading = true
			return m, m.loadRunCmd(runID)
		case "esc", "left":
			if m.detailMode {
				m.detailMode = false
				m.detail = nil
				m.viewport.SetContent(m.renderContent())
				m.viewport.GotoTop()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 2
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.viewport.SetContent(m.renderContent())
		return m, nil

	case runLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.logger.Error("loading run", "run", msg.runID, "error", msg.err)
			return m, nil
		}
		d := &runDetail{summary: msg.summary, trades: msg.trades}
		m.cache[msg.runID] = d
		m.detailMode = true
		m.detail = d
		m.detailRun = msg.runID
		if m.ready {
			m.viewport.SetContent(m.renderContent())
			m.viewport.GotoTop()
		}
		return m, nil
	}

	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}

	var headerText string
	switch {
	case m.loading:
		headerText = " Scalper Backtests    loading... "
	case m.detailMode:
		headerText = fmt.Sprintf(" Scalper Backtests    run: %s    trades: %d ",
			m.detailRun, m.detail.summary.Count)
	default:
		headerText = fmt.Sprintf(" Scalper Backtests    %d runs ", len(m.runs))
	}
	header := headerStyle.Render(padOrTrunc(headerText, m.width))

	footerLeft := " q quit  up/dn select  enter open  esc back  pgup/dn scroll"
	footerRight := fmt.Sprintf("%.0f%% ", m.viewport.ScrollPercent()*100)
	gap := m.width - len(footerLeft) - len(footerRight)
	if gap < 0 {
		gap = 0
	}
	footer := footerStyle.Render(padOrTrunc(footerLeft+strings.Repeat(" ", gap)+footerRight, m.width))

	return header + "\n" + m.viewport.View() + "\n" + footer
}

func (m model) renderContent() string {
	var b strings.Builder
	if m.detailMode && m.detail != nil {
		renderDetail(&b, m.detail)
		return b.String()
	}

	if len(m.runs) == 0 {
		b.WriteString(dimStyle.Render("  (no stored runs)"))
		b.WriteString("\n")
		return b.String()
	}
	for i, run := range m.runs {
		line := fmt.Sprintf("  %-40s", run)
		if i == m.runIdx {
			b.WriteString(selectedStyle.Render(line))
		} else {
			b.WriteString(runStyle.Render(line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderDetail(b *strings.Builder, d *runDetail) {
	s := d.summary

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("  %-16s", label)))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	row("trades", fmt.Sprintf("%d", s.Count))
	row("hit rate", fmt.Sprintf("%.1f%%", s.HitRate*100))
	row("avg win/loss", fmt.Sprintf("%.2f / %.2f", s.AvgWin, s.AvgLoss))
	row("expectancy", fmt.Sprintf("%.2f", s.Expectancy))
	row("total pnl", signedMoney(s.TotalPnL))
	row("total fees", fmt.Sprintf("%.2f", s.TotalFees))
	row("worst trade", signedMoney(s.WorstTrade))
	row("max drawdown", fmt.Sprintf("%.2f", s.MaxDrawdown))
	row("final equity", fmt.Sprintf("%.2f", s.FinalEquity))
	row("time in trade", fmt.Sprintf("mean %.0fs  median %.0fs  p95 %.0fs",
		s.TimeInTrade.MeanSeconds, s.TimeInTrade.MedianSeconds, s.TimeInTrade.P95Seconds))
	if s.Killed {
		b.WriteString(killedStyle.Render("  KILL-SWITCH TRIPPED"))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(colHdrStyle.Render(fmt.Sprintf(
		"  %-8s %-20s %-20s %6s %9s %9s %8s %10s",
		"Symbol", "Entry", "Exit", "Qty", "EntryPx", "ExitPx", "Fees", "NetPnL")))
	b.WriteString("\n")

	for i := range d.trades {
		tr := &d.trades[i]
		line := fmt.Sprintf(
			"  %-8s %-20s %-20s %6.0f %9.4f %9.4f %8.2f %10.2f",
			tr.Symbol,
			tr.EntryTime.UTC().Format("01-02 15:04:05"),
			tr.ExitTime.UTC().Format("01-02 15:04:05"),
			tr.Qty, tr.EntryPrice, tr.ExitPrice, tr.Fees, tr.NetPnL)
		switch {
		case tr.NetPnL > 0:
			b.WriteString(gainStyle.Render(line))
		case tr.NetPnL < 0:
			b.WriteString(lossStyle.Render(line))
		default:
			b.WriteString(dimStyle.Render(line))
		}
		b.WriteString("\n")
	}
	if len(d.trades) == 0 {
		b.WriteString(dimStyle.Render("  (no trades in this run)"))
		b.WriteString("\n")
	}
}

func signedMoney(v float64) string {
	return fmt.Sprintf("%+.2f", v)
}

// padOrTrunc pads s with spaces to width, or truncates if longer.
func padOrTrunc(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to YAML config")
	dbFlag := flag.String("db", "", "sqlite path (default: storage.sqlite_path)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config %s: %v", *configPath, err)
	}
	dbPath := *dbFlag
	if dbPath == "" {
		dbPath = cfg.Storage.SQLitePath
	}

	logPath := fmt.Sprintf("/tmp/scalper-report-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	defer logFile.Close()
	logger := util.NewTextLogger(logFile, cfg.Logging.Level)

	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatalf("opening sqlite store %s: %v", dbPath, err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	runs, err := db.ListRuns(ctx)
	cancel()
	if err != nil {
		log.Fatalf("listing runs: %v", err)
	}
	logger.Info("runs available", "count", len(runs))

	p := tea.NewProgram(
		initialModel(db, runs, logger),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

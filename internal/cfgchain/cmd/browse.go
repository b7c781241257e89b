package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/spf13/cobra"

	cfglog "cfgchain/internal/cfgchain/log"
	"cfgchain/internal/guard"
	"cfgchain/internal/pex"
	"cfgchain/internal/report"
)

type viewMode int

const (
	viewTargets viewMode = iota
	viewChains
	viewDisasm
)

type targetItem struct {
	rec guard.FunctionRecord
}

func (i targetItem) FilterValue() string { return i.rec.Name }

type itemDelegate struct{}

func (d itemDelegate) Height() int                               { return 1 }
func (d itemDelegate) Spacing() int                              { return 0 }
func (d itemDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(targetItem)
	if !ok {
		return
	}

	indicator := " "
	addrStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if index == m.Index() {
		indicator = ">"
		addrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	}

	mark := ""
	if i.rec.Suppressed() {
		mark = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render(" suppressed")
	}
	fmt.Fprintf(w, " %s  %s  %s%s",
		indicator,
		addrStyle.Render(fmt.Sprintf("%x", i.rec.Address)),
		report.ColorizeName(i.rec.Name),
		mark)
}

type targetsMsg struct {
	records []guard.FunctionRecord
	err     error
}

type chainsMsg struct {
	rec guard.FunctionRecord
	res *guard.Result
	err error
}

type disasmMsg struct {
	rec   guard.FunctionRecord
	lines []string
	err   error
}

func loadTargetsCmd(reg *guard.Registry) tea.Cmd {
	return func() tea.Msg {
		defer cfglog.RecoverPanic("browse: load targets", nil)
		records, err := reg.List()
		return targetsMsg{records: records, err: err}
	}
}

func searchChainsCmd(reg *guard.Registry, rec guard.FunctionRecord, opts guard.Options) tea.Cmd {
	return func() tea.Msg {
		defer cfglog.RecoverPanic("browse: search", nil)
		res, err := guard.NewSearcher(reg).Search(rec.Address, opts)
		return chainsMsg{rec: rec, res: res, err: err}
	}
}

func disasmCmdFor(img *pex.Image, reg *guard.Registry, rec guard.FunctionRecord) tea.Cmd {
	return func() tea.Msg {
		defer cfglog.RecoverPanic("browse: disassemble", nil)
		lines, err := disassemble(img, reg, rec.Address)
		return disasmMsg{rec: rec, lines: lines, err: err}
	}
}

type model struct {
	targets   list.Model
	chains    viewport.Model
	listing   viewport.Model
	spinner   spinner.Model
	mode      viewMode
	img       *pex.Image
	reg       *guard.Registry
	opts      guard.Options
	styled    bool
	status    string
	loading   bool
	searching bool
	width     int
	height    int
}

func newModel(img *pex.Image, reg *guard.Registry, opts guard.Options, styled bool) model {
	targets := list.New([]list.Item{}, itemDelegate{}, 80, 24)
	targets.SetShowStatusBar(false)
	targets.SetFilteringEnabled(true)
	targets.Title = "Guard targets"
	targets.Styles.Title = lipgloss.NewStyle().
		Foreground(lipgloss.Color("99")).
		MarginLeft(2)
	targets.SetShowHelp(true)

	chains := viewport.New()
	chains.SetWidth(80)
	chains.SetHeight(24)
	listing := viewport.New()
	listing.SetWidth(80)
	listing.SetHeight(24)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))

	return model{
		targets: targets,
		chains:  chains,
		listing: listing,
		spinner: s,
		mode:    viewTargets,
		img:     img,
		reg:     reg,
		opts:    opts,
		styled:  styled,
		loading: true,
		width:   80,
		height:  24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(loadTargetsCmd(m.reg), m.spinner.Tick)
}

func (m model) selected() (guard.FunctionRecord, bool) {
	item, ok := m.targets.SelectedItem().(targetItem)
	if !ok {
		return guard.FunctionRecord{}, false
	}
	return item.rec, true
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case targetsMsg:
		m.loading = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			return m, nil
		}
		items := make([]list.Item, 0, len(msg.records))
		for _, rec := range msg.records {
			items = append(items, targetItem{rec: rec})
		}
		cmd = m.targets.SetItems(items)
		m.status = fmt.Sprintf("%d targets", len(items))
		return m, cmd

	case chainsMsg:
		m.searching = false
		m.chains.SetContent(m.renderChains(msg))
		m.chains.GotoTop()
		m.mode = viewChains
		return m, nil

	case disasmMsg:
		m.searching = false
		if msg.err != nil {
			m.listing.SetContent("Error: " + msg.err.Error())
		} else {
			var buf bytes.Buffer
			_ = writeListing(&buf, msg.lines, m.styled)
			m.listing.SetContent(strings.TrimSuffix(buf.String(), "\n"))
		}
		m.listing.GotoTop()
		m.mode = viewDisasm
		return m, nil

	case spinner.TickMsg:
		if m.loading || m.searching {
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.targets.SetWidth(msg.Width)
		m.targets.SetHeight(msg.Height - 2)
		m.chains.SetWidth(msg.Width)
		m.chains.SetHeight(msg.Height - 2)
		m.listing.SetWidth(msg.Width)
		m.listing.SetHeight(msg.Height - 2)

	case tea.KeyMsg:
		if m.mode == viewTargets && m.targets.FilterState() == list.Filtering {
			if msg.String() == "ctrl+c" {
				return m, tea.Quit
			}
			break
		}

		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.mode != viewTargets {
				m.mode = viewTargets
				return m, nil
			}
		case "tab":
			m.mode = (m.mode + 1) % 3
			return m, nil
		case "enter":
			if m.mode == viewTargets && !m.searching {
				if rec, ok := m.selected(); ok {
					m.searching = true
					m.status = "Searching from " + rec.Name
					return m, tea.Batch(searchChainsCmd(m.reg, rec, m.opts), m.spinner.Tick)
				}
			}
		case "d":
			if m.mode == viewTargets && !m.searching {
				if rec, ok := m.selected(); ok {
					m.searching = true
					m.status = "Disassembling " + rec.Name
					return m, tea.Batch(disasmCmdFor(m.img, m.reg, rec), m.spinner.Tick)
				}
			}
		}
	}

	switch m.mode {
	case viewChains:
		m.chains, cmd = m.chains.Update(msg)
	case viewDisasm:
		m.listing, cmd = m.listing.Update(msg)
	default:
		m.targets, cmd = m.targets.Update(msg)
	}
	return m, cmd
}

func (m *model) renderChains(msg chainsMsg) string {
	if msg.err != nil && !errors.Is(msg.err, guard.ErrExpansionLimit) {
		m.status = "Error: " + msg.err.Error()
		return "Error: " + msg.err.Error()
	}

	var buf bytes.Buffer
	write := report.WriteChains
	if m.styled {
		write = report.WriteStyledChains
	}
	if err := write(&buf, msg.res); err != nil {
		return "Error: " + err.Error()
	}
	m.status = fmt.Sprintf("%d chains from %s (%d expansions)", len(msg.res.Chains), msg.rec.Name, msg.res.Expansions)
	if buf.Len() == 0 {
		return fmt.Sprintf("No chains from %s within %d hops.", msg.rec.Name, msg.res.Depth)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func (m model) View() string {
	var content string
	switch m.mode {
	case viewChains:
		content = m.chains.View()
	case viewDisasm:
		content = m.listing.View()
	default:
		content = m.targets.View()
	}

	var menu string
	switch m.mode {
	case viewTargets:
		menu = " Enter: chains • D: disassemble • Tab: cycle • Q: quit "
	default:
		menu = " Esc: targets • Tab: cycle • Q: quit "
	}
	status := m.status
	if m.loading || m.searching {
		status = m.spinner.View() + " " + status
	}

	menuStyle := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("252")).
		Padding(0, 1).
		Width(m.width)

	return content + "\n" + menuStyle.Render(menu+" "+status)
}

var browseCmd = &cobra.Command{
	Use:   "browse <image>",
	Short: "Browse guard targets and their chains interactively",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		img, reg, err := a.open(args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		program := tea.NewProgram(
			newModel(img, reg, a.cfg.SearchOptions(), a.styled),
			tea.WithAltScreen(),
			tea.WithContext(cmd.Context()),
		)
		if _, err := program.Run(); err != nil {
			slog.Error("TUI run error", "error", err)
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	},
}

func init() {
	addSearchFlags(browseCmd.Flags())
	rootCmd.AddCommand(browseCmd)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kernelbridge/internal/channel"
	"kernelbridge/internal/config"
	"kernelbridge/internal/contracts"
	"kernelbridge/internal/document"
	"kernelbridge/internal/kernel"
	"kernelbridge/internal/logging"
	"kernelbridge/internal/mapper"
	"kernelbridge/internal/output"
	"kernelbridge/internal/render"
)

var replKernel string

var replCmd = &cobra.Command{
	Use:   "repl <document>",
	Short: "Interactive session with live outputs",
	Long: `Opens an interactive session against the kernel for a document. Outputs
are redrawn as the kernel produces and updates them. A line consisting of
"#!name" switches the target kernel.`,
	Args: cobra.ExactArgs(1),
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringVarP(&replKernel, "kernel", "k", "csharp", "Initial target kernel")
}

var (
	replHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	replMutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	replPromptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	replInputStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
)

// Messages
type (
	outputsMsg struct {
		cell    int
		entries []output.Entry
	}
	diagnosticsMsg struct {
		cell  int
		diags []contracts.Diagnostic
	}
	// draftDiagnosticsMsg carries diagnostics for the unsubmitted input.
	draftDiagnosticsMsg struct {
		code  string
		diags []contracts.Diagnostic
	}
	cellDoneMsg struct {
		cell    int
		entries []output.Entry
		err     error
	}
	configReloadedMsg struct{}
)

type replCell struct {
	id      string
	kernel  string
	code    string
	entries []output.Entry
	diags   []contracts.Diagnostic
	err     error
	done    bool
}

type replModel struct {
	// UI Components
	textinput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	renderer  *render.Renderer

	// Session
	ctx     context.Context
	client  *kernel.Client
	doc     document.Identity
	kernel  string
	updates chan tea.Msg

	// State
	cells   []replCell
	draft   []contracts.Diagnostic
	running bool
	width   int
	height  int
	ready   bool
}

func newReplModel(ctx context.Context, client *kernel.Client, doc document.Identity, kernelName string) replModel {
	ti := textinput.New()
	ti.Placeholder = "code (Enter to run, Ctrl+C to exit)"
	ti.Focus()
	ti.Prompt = "│ "
	ti.CharLimit = 8192
	ti.Width = 80
	ti.PromptStyle = replPromptStyle

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return replModel{
		textinput: ti,
		viewport:  viewport.New(80, 20),
		spinner:   sp,
		renderer:  render.New(render.Options{Width: 76}),
		ctx:       ctx,
		client:    client,
		doc:       doc,
		kernel:    kernelName,
		updates:   make(chan tea.Msg, 64),
	}
}

func (m replModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForUpdate())
}

func (m replModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if !m.running {
				return m.handleSubmit()
			}
			return m, nil
		}
		switch msg.Type {
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		if !m.running {
			before := m.textinput.Value()
			var cmd tea.Cmd
			m.textinput, cmd = m.textinput.Update(msg)
			cmds = append(cmds, cmd)
			if m.textinput.Value() != before {
				m.draft = nil
				m.scheduleDiagnostics()
			}
		}
		return m, tea.Batch(cmds...)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		headerHeight, inputHeight, footerHeight := 2, 3, 1
		m.viewport.Width = msg.Width - 2
		m.viewport.Height = msg.Height - headerHeight - inputHeight - footerHeight
		m.textinput.Width = msg.Width - 6
		m.renderer = render.New(render.Options{Width: msg.Width - 4})
		m.ready = true
		m.refresh()

	case outputsMsg:
		// Snapshots can trail the final result through the channel.
		if !m.cells[msg.cell].done {
			m.cells[msg.cell].entries = msg.entries
			m.refresh()
		}
		cmds = append(cmds, m.waitForUpdate())

	case diagnosticsMsg:
		m.cells[msg.cell].diags = append(m.cells[msg.cell].diags, msg.diags...)
		m.refresh()
		cmds = append(cmds, m.waitForUpdate())

	case draftDiagnosticsMsg:
		if msg.code == strings.TrimSpace(m.textinput.Value()) {
			m.draft = msg.diags
		}
		cmds = append(cmds, m.waitForUpdate())

	case cellDoneMsg:
		c := &m.cells[msg.cell]
		c.entries, c.err, c.done = msg.entries, msg.err, true
		m.running = false
		m.refresh()

	case configReloadedMsg:
		cmds = append(cmds, m.waitForUpdate())

	case spinner.TickMsg:
		if m.running {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	var vpCmd tea.Cmd
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)
	return m, tea.Batch(cmds...)
}

func (m replModel) handleSubmit() (tea.Model, tea.Cmd) {
	code := strings.TrimSpace(m.textinput.Value())
	m.textinput.Reset()
	m.draft = nil
	if code == "" {
		return m, nil
	}
	if cells := document.ParseDib(code, m.kernel); len(cells) == 0 {
		// A bare "#!name" line switches kernels.
		if name := strings.TrimPrefix(code, "#!"); name != code && !strings.ContainsAny(name, " \t\n") {
			m.kernel = name
			m.refresh()
		}
		return m, nil
	}

	idx := len(m.cells)
	m.cells = append(m.cells, replCell{
		id:     m.nextCellID(),
		kernel: m.kernel,
		code:   code,
	})
	m.running = true
	m.refresh()
	return m, tea.Batch(m.execute(idx), m.spinner.Tick)
}

// execute runs a cell. Live updates travel through m.updates; the final
// result is the command's message.
func (m replModel) execute(idx int) tea.Cmd {
	cell := m.cells[idx]
	ctx, client, updates := m.ctx, m.client, m.updates
	send := func(msg tea.Msg) {
		select {
		case updates <- msg:
		case <-ctx.Done():
		}
	}
	return func() tea.Msg {
		entries, err := client.Execute(ctx, cell.code, cell.kernel,
			func(e []output.Entry) { send(outputsMsg{cell: idx, entries: e}) },
			func(d []contracts.Diagnostic) { send(diagnosticsMsg{cell: idx, diags: d}) },
			kernel.ExecuteOptions{ID: cell.id},
		)
		return cellDoneMsg{cell: idx, entries: entries, err: err}
	}
}

// nextCellID is the id the current input gets when submitted.
func (m replModel) nextCellID() string {
	return fmt.Sprintf("cell-%d", len(m.cells)+1)
}

// scheduleDiagnostics checks the input after typing pauses. Submitting the
// cell cancels a check still waiting under its id.
func (m replModel) scheduleDiagnostics() {
	code := strings.TrimSpace(m.textinput.Value())
	if code == "" || strings.HasPrefix(code, "#!") {
		return
	}
	ctx, client, kernelName, updates := m.ctx, m.client, m.kernel, m.updates
	client.ScheduleDiagnostics(m.nextCellID(), func() {
		diags, err := client.Diagnose(ctx, code, kernelName, kernel.ExecuteOptions{})
		if err != nil {
			logging.Get(logging.CategoryCLI).Debug("draft diagnostics failed: %v", err)
			return
		}
		select {
		case updates <- draftDiagnosticsMsg{code: code, diags: diags}:
		case <-ctx.Done():
		}
	})
}

func (m replModel) waitForUpdate() tea.Cmd {
	updates, ctx := m.updates, m.ctx
	return func() tea.Msg {
		select {
		case msg := <-updates:
			return msg
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *replModel) refresh() {
	m.viewport.SetContent(m.renderCells())
	m.viewport.GotoBottom()
}

func (m replModel) renderCells() string {
	var sb strings.Builder
	for _, c := range m.cells {
		sb.WriteString(replPromptStyle.Render(fmt.Sprintf("In [%s] #!%s", c.id, c.kernel)))
		if c.err != nil {
			sb.WriteString(replMutedStyle.Render(" (failed)"))
		}
		sb.WriteString("\n")
		sb.WriteString(c.code)
		sb.WriteString("\n")
		sb.WriteString(render.Diagnostics(c.diags))
		sb.WriteString(m.renderer.Entries(c.entries))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m replModel) View() string {
	if !m.ready {
		return "Initializing..."
	}

	status := replMutedStyle.Render("● ready")
	if m.running {
		status = m.spinner.View() + " running"
	}
	header := lipgloss.JoinHorizontal(lipgloss.Center,
		replHeaderStyle.Render(" kernelbridge "),
		" ",
		replMutedStyle.Render(filepath.Base(m.doc.String())),
		"  #!"+m.kernel+"  ",
		status,
	)
	footer := replMutedStyle.Render("Enter: run • #!name: switch kernel • PgUp/PgDn: scroll • Ctrl+C: exit")
	switch {
	case len(m.draft) > 0:
		first, _, _ := strings.Cut(render.Diagnostics(m.draft), "\n")
		if n := len(m.draft); n > 1 {
			first += replMutedStyle.Render(fmt.Sprintf(" (+%d more)", n-1))
		}
		footer = first
	case !m.running && m.client.DiagnosticsPending(m.nextCellID()):
		footer = replMutedStyle.Render("checking…")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		replInputStyle.Render(m.textinput.View()),
		footer,
	)
}

func runRepl(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	id, err := document.FromPath(args[0])
	if err != nil {
		return err
	}

	m := mapper.New(channel.NewStdioFactory(cfg.StdioOptions()), cfg.ClientConfig())
	defer m.DisposeAll(context.Background())
	client, err := m.GetOrCreate(ctx, id)
	if err != nil {
		return err
	}

	// Cancelled when the UI exits so callbacks stop feeding it before the
	// connection is disposed.
	uiCtx, cancelUI := context.WithCancel(ctx)
	defer cancelUI()

	p := tea.NewProgram(newReplModel(uiCtx, client, id, replKernel), tea.WithAltScreen(), tea.WithContext(ctx))

	if w, err := config.NewWatcher(configPath, func(c *config.Config) {
		if err := logging.Configure(c.Logging.Options()); err != nil {
			logger.Warn("failed to apply reloaded logging config", zap.Error(err))
			return
		}
		p.Send(configReloadedMsg{})
	}); err != nil {
		logger.Debug("config watcher unavailable", zap.Error(err))
	} else if err := w.Start(ctx); err != nil {
		logger.Debug("config watcher not started", zap.Error(err))
		w.Stop()
	} else {
		defer w.Stop()
	}

	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

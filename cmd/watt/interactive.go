package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/watt"
	"github.com/wippyai/watt/macro"
	"github.com/wippyai/watt/manifest"
	"github.com/wippyai/watt/tokens"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	macroStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	kindStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type interactiveModel struct {
	ctx      context.Context
	err      error
	bundle   *manifest.Bundle
	path     string
	backend  string
	result   string
	macros   []macro.Descriptor
	inputs   []textinput.Model
	elapsed  time.Duration
	selected int
	focusIdx int
	width    int
	state    modelState
}

type modelState int

const (
	stateSelectMacro modelState = iota
	stateInputTokens
	stateShowResult
)

func newInteractiveModel(ctx context.Context, path, backend string) *interactiveModel {
	return &interactiveModel{
		ctx:     ctx,
		path:    path,
		backend: backend,
		state:   stateSelectMacro,
	}
}

type loadedMsg struct {
	err    error
	bundle *manifest.Bundle
}

type expandResultMsg struct {
	err     error
	result  string
	elapsed time.Duration
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadLibrary
}

func (m *interactiveModel) loadLibrary() tea.Msg {
	b, err := openManifest(m.ctx, m.path, m.backend)
	if err != nil {
		return loadedMsg{err: err}
	}
	if err := b.Verify(m.ctx); err != nil {
		_ = b.Close(m.ctx)
		return loadedMsg{err: err}
	}
	return loadedMsg{bundle: b}
}

func (m *interactiveModel) close() {
	if m.bundle != nil {
		_ = m.bundle.Close(m.ctx)
		m.bundle = nil
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.close()
			return m, tea.Quit

		case "q":
			if m.state != stateInputTokens {
				m.close()
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectMacro && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectMacro && m.selected < len(m.macros)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectMacro:
				if len(m.macros) == 0 {
					return m, nil
				}
				m.prepareInputs()
				m.state = stateInputTokens
				return m, textinput.Blink

			case stateInputTokens:
				return m, m.expand

			case stateShowResult:
				m.state = stateInputTokens
				m.result = ""
				m.err = nil
				return m, nil
			}

		case "tab":
			if m.state == stateInputTokens && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputTokens:
				m.state = stateSelectMacro
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectMacro
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.bundle = msg.bundle
		m.macros = msg.bundle.Descriptors()

	case expandResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.elapsed = msg.elapsed
		m.state = stateShowResult
	}

	if m.state == stateInputTokens {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) prepareInputs() {
	d := m.macros[m.selected]
	prompts := []string{"item: "}
	switch d.Kind {
	case watt.Attribute:
		prompts = []string{"args: ", "item: "}
	case watt.FunctionStyle:
		prompts = []string{"input: "}
	}
	m.inputs = make([]textinput.Model, len(prompts))
	for i, p := range prompts {
		ti := textinput.New()
		ti.Prompt = p
		ti.Placeholder = "tokens"
		ti.Width = 60
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) expand() tea.Msg {
	if m.bundle == nil {
		return expandResultMsg{err: fmt.Errorf("library not loaded")}
	}
	d := m.macros[m.selected]
	streams := make([]tokens.Stream, len(m.inputs))
	for i, input := range m.inputs {
		s, err := tokens.ParseSource(input.Value(), uint32(i+1))
		if err != nil {
			return expandResultMsg{err: err}
		}
		streams[i] = s
	}
	start := time.Now()
	out, err := m.bundle.Expand(m.ctx, d.Name, streams...)
	elapsed := time.Since(start)
	if err != nil {
		return expandResultMsg{err: err, elapsed: elapsed}
	}
	return expandResultMsg{result: out.String(), elapsed: elapsed}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.bundle == nil {
		return "Loading macro library..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("watt"))
	b.WriteString(" ")
	b.WriteString(m.bundle.Name)
	b.WriteString(" ")
	b.WriteString(helpStyle.Render("[" + m.bundle.Registry.Engine().Name() + "]"))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectMacro:
		b.WriteString("Select a macro to expand:\n\n")
		for i, d := range m.macros {
			line := m.formatMacro(d)
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter choose • q quit"))

	case stateInputTokens:
		d := m.macros[m.selected]
		b.WriteString(fmt.Sprintf("Expanding %s\n\n", m.formatMacro(d)))
		for _, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter expand • esc back"))

	case stateShowResult:
		d := m.macros[m.selected]
		b.WriteString(fmt.Sprintf("Expansion of %s (%v):\n\n", macroStyle.Render(d.Name), m.elapsed.Round(time.Microsecond)))
		wrap := lipgloss.NewStyle()
		if m.width > 0 {
			wrap = wrap.Width(m.width)
		}
		if m.err != nil {
			b.WriteString(wrap.Render(errorStyle.Render("error: " + m.err.Error())))
		} else {
			b.WriteString(wrap.Render(resultStyle.Render(m.result)))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter edit input • esc macros • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) formatMacro(d macro.Descriptor) string {
	s := macroStyle.Render(d.Name) + " " + kindStyle.Render(d.Kind.String())
	if d.EntryName() != d.Name {
		s += helpStyle.Render(" → " + d.EntryName())
	}
	if len(d.Attributes) > 0 {
		s += helpStyle.Render(" attributes(" + strings.Join(d.Attributes, ", ") + ")")
	}
	return s
}

func runInteractive(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("interactive", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	model := newInteractiveModel(ctx, common.manifest, common.backend)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	model.close()
	return err
}

package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/davecgh/go-spew/spew"

	"armpatch/pkg/cpu"
	"armpatch/pkg/vm"
)

// traceModel is the bubbletea model for the trace subcommand: one
// vm.Step per keypress, with the context block and the last decoded
// instruction's address shown above a running log.
type traceModel struct {
	v   *vm.VM
	s   scenario
	ctx *cpu.ContextBlock

	addr uint64
	log  []string
	done bool
	err  error
}

func (m traceModel) Init() tea.Cmd { return nil }

func (m traceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case " ", "j":
			if m.done {
				return m, nil
			}
			if m.addr == m.s.Sentinel {
				m.done = true
				m.log = append(m.log, fmt.Sprintf("reached sentinel %#x", m.s.Sentinel))
				return m, nil
			}
			before := m.addr
			next, action, err := m.v.Step(m.addr)
			if err != nil {
				m.err = err
				m.done = true
				return m, nil
			}
			m.log = append(m.log, fmt.Sprintf("%#x -> %#x (action=%v)", before, next, action))
			m.addr = next
			if action == vm.Stop {
				m.done = true
			}
		}
	}
	return m, nil
}

func (m traceModel) status() string {
	g := m.ctx.GPR
	return fmt.Sprintf(
		"addr: %#x\nr0:%#x r1:%#x r2:%#x r3:%#x\nsp:%#x lr:%#x pc:%#x\ncpsr:%#x",
		m.addr, g.R0, g.R1, g.R2, g.R3, g.SP, g.LR, g.PC, g.CPSR,
	)
}

func (m traceModel) View() string {
	tail := m.log
	if len(tail) > 12 {
		tail = tail[len(tail)-12:]
	}
	body := lipgloss.JoinVertical(
		lipgloss.Left,
		fmt.Sprintf("scenario: %s  (space/j: step, q: quit)", m.s.Name),
		"",
		m.status(),
		"",
		strings.Join(tail, "\n"),
	)
	if m.err != nil {
		body = lipgloss.JoinVertical(lipgloss.Left, body, "", spew.Sdump(m.err))
	}
	return body
}

// runTrace drives an interactive bubbletea session over v starting at
// s.Start, stepping one guest instruction per keypress.
func runTrace(v *vm.VM, s scenario) error {
	m := traceModel{
		v:    v,
		s:    s,
		ctx:  v.InstrumentAllExecutableMaps().Context(),
		addr: s.Start,
	}
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	if fm, ok := final.(traceModel); ok && fm.err != nil {
		return fm.err
	}
	return nil
}

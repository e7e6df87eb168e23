// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// package tui renders interactive progress for long-running pipeline work.
// Non-interactive sessions (pipes, CI) fall back to plain log lines.
package tui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/pathscope/pathscope/internal/logging"
)

var labelStyle = lipgloss.NewStyle().Bold(true)

// progressMsg updates the bar.
type progressMsg struct {
	label string
	done  int
	total int
}

// finishMsg stops the program.
type finishMsg struct{}

type progressModel struct {
	bar   progress.Model
	label string
	done  int
	total int
}

func (m progressModel) Init() tea.Cmd { return nil }

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case progressMsg:
		m.label = msg.label
		m.done = msg.done
		m.total = msg.total
		return m, nil
	case finishMsg:
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m progressModel) View() string {
	if m.total == 0 {
		return ""
	}
	pct := float64(m.done) / float64(m.total)
	return fmt.Sprintf("%s %s %d/%d\n", labelStyle.Render(m.label), m.bar.ViewAs(pct), m.done, m.total)
}

// Tracker drives a progress display from pipeline callbacks. It is safe to
// call Update from worker goroutines.
type Tracker struct {
	prog        *tea.Program
	interactive bool
	finished    chan struct{}
	lastPct     int
}

// NewTracker starts the display. On non-terminal stdout it degrades to
// occasional log lines.
func NewTracker() *Tracker {
	t := &Tracker{interactive: term.IsTerminal(int(os.Stdout.Fd())), lastPct: -1}
	if !t.interactive {
		return t
	}
	t.prog = tea.NewProgram(progressModel{bar: progress.New(progress.WithDefaultGradient())})
	t.finished = make(chan struct{})
	go func() {
		_, _ = t.prog.Run()
		close(t.finished)
	}()
	return t
}

// NewPlainTracker returns a tracker that only logs, regardless of the
// terminal. Used when the progress display is disabled by flag.
func NewPlainTracker() *Tracker {
	return &Tracker{lastPct: -1}
}

// Update reports progress for a labeled unit of work.
func (t *Tracker) Update(label string, done, total int) {
	if t.interactive {
		t.prog.Send(progressMsg{label: label, done: done, total: total})
		return
	}
	if total == 0 {
		return
	}
	// Log at 10% steps to keep CI output readable.
	pct := done * 10 / total
	if pct != t.lastPct {
		t.lastPct = pct
		logging.Infof("%s: %d/%d", label, done, total)
	}
}

// Done tears the display down.
func (t *Tracker) Done() {
	if !t.interactive {
		return
	}
	t.prog.Send(finishMsg{})
	<-t.finished
}

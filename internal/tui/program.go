package tui

import (
	"context"
	"errors"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"meetchat/internal/chat"
)

// Bridge forwards controller events into the running program. Its Observe
// method is what gets installed as the controller observer, which has to
// exist before the program does.
type Bridge struct {
	program atomic.Pointer[tea.Program]
}

func (b *Bridge) Observe(ev chat.Event) {
	if p := b.program.Load(); p != nil {
		p.Send(sessionEventMsg(ev))
	}
}

// Run drives the view until the user quits or ctx is cancelled.
func Run(ctx context.Context, bridge *Bridge, opts Options) error {
	if opts.Controller == nil {
		return errors.New("tui: controller is required")
	}
	program := tea.NewProgram(New(opts), tea.WithAltScreen(), tea.WithContext(ctx))
	if bridge != nil {
		bridge.program.Store(program)
		defer bridge.program.Store(nil)
	}
	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

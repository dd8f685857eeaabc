// Package stage implements the boot-stage sequencer: the ordered list of
// uploads the console walks through, with the transfer/console-mode
// bookkeeping and navigation (next, previous, select, continue) that the
// operator drives with C-a key sequences.
package stage

import (
	"context"
	"fmt"
	"io"

	"upconsole/serial"
)

// Protocol is a wire protocol a boot stage can transfer over: grouch,
// XMODEM, or a Kinetis flavor. Prepare/Complete bracket a stage's
// activation; Run drives the stage's upload to completion over the
// transport, returning when the protocol finishes or ctx is canceled.
//
// This replaces the original's per-tick "feed me 32 bytes and tell me if
// you're done" transfer callback: the transport is blocking-with-timeout
// and cancellable via ctx, so each engine owns its own read loop for the
// duration of a stage instead of being hand-fed a buffer by the reactor.
type Protocol interface {
	Name() string
	Prepare(ctx context.Context, st *Stage) error
	Run(ctx context.Context, st *Stage) error
	Complete(ctx context.Context, st *Stage) error
}

// Stage is one boot stage: a file to upload, the protocol to upload it
// with, and the serial settings that should be in effect while it runs.
type Stage struct {
	Name     string
	FileName string
	Reader   io.ReadSeeker

	Protocol Protocol

	Baud   int
	Flow   serial.FlowControl
	Offset uint32

	// Deferred stages land the sequencer in console mode on arrival
	// instead of transferring immediately, so the operator can inspect
	// things before continuing.
	Deferred bool

	// Echo controls whether the console writes serial bytes it reads in
	// console mode to the operator's terminal while this is the current
	// stage. It does not affect what a protocol echoes while it drives.
	Echo bool

	prepared bool
}

func (s *Stage) fileName() string {
	if s.FileName == "" {
		return "(no file name)"
	}
	return s.FileName
}

// String renders a stage the way the console prints it in boot-stage
// banners and C-a l listings.
func (s *Stage) String() string {
	return fmt.Sprintf("%s %s @ %d fc %s off %#x",
		s.Protocol.Name(), s.fileName(), s.Baud, s.Flow, s.Offset)
}

// Sequencer walks a fixed list of stages, tracking which one is active
// and whether the console is currently paused (waiting on the operator)
// rather than transferring.
type Sequencer struct {
	Stages []*Stage
	Cur    int

	// ConsoleMode is true while the sequencer is paused rather than
	// transferring: there are no stages, the current stage has no file or
	// is deferred, or the sequencer ran off the end of the list. It is
	// false until Start sets it.
	ConsoleMode bool
}

// NewSequencer builds a sequencer over stages, as ordered on the command
// line.
func NewSequencer(stages []*Stage) *Sequencer {
	return &Sequencer{Stages: stages}
}

// Current returns the active stage, or nil once the sequencer has run
// off the end of the list.
func (sq *Sequencer) Current() *Stage {
	if sq.Cur < 0 || sq.Cur >= len(sq.Stages) {
		return nil
	}
	return sq.Stages[sq.Cur]
}

// Start prepares stage zero and sets the initial console mode, mirroring
// what the original does just before entering its console loop.
func (sq *Sequencer) Start(ctx context.Context) (string, error) {
	if len(sq.Stages) == 0 {
		sq.ConsoleMode = true
		return "[[ No boot stages ]]", nil
	}
	first := sq.Stages[0]
	if err := sq.prepare(ctx, first); err != nil {
		return "", err
	}
	sq.ConsoleMode = first.Reader == nil || first.Deferred
	return fmt.Sprintf("[[ Boot stage 0: %s ]]", first), nil
}

func (sq *Sequencer) prepare(ctx context.Context, st *Stage) error {
	if st.prepared {
		return nil
	}
	st.prepared = true
	return st.Protocol.Prepare(ctx, st)
}

// List renders every stage, marking the active one, matching the C-a l
// banner.
func (sq *Sequencer) List() string {
	out := "\n"
	for i, st := range sq.Stages {
		mark := ' '
		if i == sq.Cur {
			mark = '*'
		}
		out += fmt.Sprintf("[[ %c Boot stage %d: %s ]]\n", mark, i, st)
	}
	return out
}

// Continue resumes a paused stage if it has something to transfer;
// otherwise it reports that there is nothing to continue.
func (sq *Sequencer) Continue() string {
	if !sq.ConsoleMode {
		return ""
	}
	cur := sq.Current()
	sq.ConsoleMode = cur == nil || cur.Reader == nil
	if sq.ConsoleMode {
		return "[[ No upload to continue ]]"
	}
	return "[[ Continuing ]]"
}

// Select completes the current stage (if any) and activates the stage at
// index, preparing it. Selecting the already-active stage just reports
// it, matching the original's re-selection no-op.
func (sq *Sequencer) Select(ctx context.Context, index int) (string, error) {
	if !sq.ConsoleMode {
		return "", nil
	}
	if index < 0 || index >= len(sq.Stages) {
		return fmt.Sprintf("[[ No boot stage %d ]]", index), nil
	}
	if sq.Cur == index {
		return fmt.Sprintf("[[ Boot stage %d: %s ]]", index, sq.Stages[index]), nil
	}

	if cur := sq.Current(); cur != nil {
		if err := cur.Protocol.Complete(ctx, cur); err != nil {
			return "", err
		}
	}

	sq.Cur = index
	next := sq.Stages[index]
	msg := fmt.Sprintf("[[ Boot stage %d: %s ]]", index, next)

	if err := sq.prepare(ctx, next); err != nil {
		return msg, err
	}
	return msg, nil
}

// Next selects the following stage, or reports there isn't one.
func (sq *Sequencer) Next(ctx context.Context) (string, error) {
	if sq.Cur+1 >= len(sq.Stages) {
		return "[[ No next boot stage ]]", nil
	}
	return sq.Select(ctx, sq.Cur+1)
}

// Previous selects the preceding stage, or reports there isn't one.
func (sq *Sequencer) Previous(ctx context.Context) (string, error) {
	if sq.Cur-1 < 0 {
		return "[[ No previous boot stage ]]", nil
	}
	return sq.Select(ctx, sq.Cur-1)
}

// Advance runs when the active stage's protocol reports completion: it
// completes the stage, moves to the next one, prepares it, and decides
// whether the sequencer should fall into console mode (run off the end,
// no file, or deferred).
func (sq *Sequencer) Advance(ctx context.Context) (string, error) {
	cur := sq.Current()
	if cur != nil {
		if err := cur.Protocol.Complete(ctx, cur); err != nil {
			return "", err
		}
	}
	sq.Cur++
	next := sq.Current()
	if next == nil {
		sq.ConsoleMode = true
		return "[[ Entering Console Mode ]]", nil
	}

	msg := fmt.Sprintf("[[ Boot stage %d: %s ]]", sq.Cur, next)
	sq.ConsoleMode = next.Reader == nil || next.Deferred
	if err := sq.prepare(ctx, next); err != nil {
		return msg, err
	}
	if sq.ConsoleMode {
		msg += "\n[[ Entering Console Mode ]]"
	}
	return msg, nil
}

// RunActive blocks running the active stage's protocol to completion and,
// on success, advances the sequencer. Callers that want to let the
// operator abort mid-transfer should run this in a goroutine and cancel
// ctx on C-a x.
func (sq *Sequencer) RunActive(ctx context.Context) (msg string, err error) {
	cur := sq.Current()
	if cur == nil || sq.ConsoleMode {
		return "", nil
	}
	if err := cur.Protocol.Run(ctx, cur); err != nil {
		return "", err
	}
	return sq.Advance(ctx)
}

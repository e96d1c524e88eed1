package tracker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"golang.org/x/xerrors"

	"backend-drivertrack/internal/location"
)

const (
	CmdStart  = "start"
	CmdPause  = "pause"
	CmdResume = "resume"
	CmdStop   = "stop"
	CmdMode   = "mode"
	CmdSync   = "sync"
)

// Command is a control line in the feed, e.g. {"cmd":"mode","mode":"lowPower"}.
type Command struct {
	Cmd  string `json:"cmd"`
	Mode string `json:"mode,omitempty"`
}

type feedLine struct {
	Command
	location.Position
}

// ReadFeed decodes one JSON object per line from r until EOF or ctx is done.
// Lines carrying "cmd" go to onCommand, all others are positions for
// onPosition. Blank lines are skipped.
func ReadFeed(ctx context.Context, r io.Reader, onPosition func(location.Position), onCommand func(Command)) error {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var fl feedLine
		if err := json.Unmarshal(raw, &fl); err != nil {
			return xerrors.Errorf("line %d: %w", line, err)
		}
		if fl.Cmd != "" {
			onCommand(fl.Command)
			continue
		}
		onPosition(fl.Position)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Errorf("read feed: %w", err)
	}
	return nil
}

// Execute runs a feed command against the tracker.
func (t *Tracker) Execute(ctx context.Context, cmd Command) error {
	var err error
	switch cmd.Cmd {
	case CmdStart:
		_, err = t.Start(ctx)
	case CmdPause:
		_, err = t.Pause(ctx)
	case CmdResume:
		_, err = t.Resume(ctx)
	case CmdStop:
		_, err = t.Stop(ctx)
	case CmdMode:
		_, err = t.SetMode(cmd.Mode)
	case CmdSync:
		_, err = t.Flush(ctx)
	default:
		err = xerrors.Errorf("unknown command %q", cmd.Cmd)
	}
	return err
}

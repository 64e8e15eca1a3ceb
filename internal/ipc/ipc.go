// Package ipc defines the line protocol between the orchestrator and its
// account worker processes: one JSON object per line, UTF-8, in both
// directions. Field names are a wire contract shared with other
// implementations and must not change.
//
// Decoding is deliberately forgiving at the stream level (unparsable or
// non-object lines are dropped, unknown kinds are ignored) and strict at the
// message level (each kind decodes into its own struct).
package ipc

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// Command kinds (orchestrator -> worker).
const (
	CmdReload   = "reload"
	CmdRunOnce  = "run_once"
	CmdStopRun  = "stop_run"
	CmdShutdown = "shutdown"
)

// Event kinds (worker -> orchestrator).
const (
	EvReady       = "ready"
	EvRunStarted  = "run_started"
	EvRunFinished = "run_finished"
)

// Command is an orchestrator->worker message. Kind selects which of the
// payload fields are meaningful.
type Command struct {
	Cmd          string `json:"cmd"`
	RunID        string `json:"run_id,omitempty"`
	TaskName     string `json:"task_name,omitempty"`
	NumOfDialogs int    `json:"num_of_dialogs,omitempty"`
}

// Ready is emitted once after worker startup.
type Ready struct {
	Event       string `json:"event"`
	AccountName string `json:"account_name"`
	PID         int    `json:"pid"`
}

func NewReady(accountName string, pid int) Ready {
	return Ready{Event: EvReady, AccountName: accountName, PID: pid}
}

// RunStarted is emitted right before a run executes.
type RunStarted struct {
	Event       string `json:"event"`
	RunID       string `json:"run_id"`
	TaskName    string `json:"task_name"`
	AccountName string `json:"account_name"`
	Mode        string `json:"mode"`
	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at"`
	PID         int    `json:"pid"`
}

// RunFinished is emitted after a run resolves, including cancelled and
// faulted runs. ExitCode/ErrorMessage are nullable on the wire.
type RunFinished struct {
	Event        string  `json:"event"`
	RunID        string  `json:"run_id"`
	Status       string  `json:"status"`
	FinishedAt   string  `json:"finished_at"`
	ExitCode     *int    `json:"exit_code"`
	ErrorMessage *string `json:"error_message"`
	PID          int     `json:"pid"`
}

// Run modes as they appear on the wire and in run records.
const (
	ModeScheduled = "run"      // fired by the worker's own schedule
	ModeManual    = "run_once" // requested through the orchestrator
)

// Run terminal statuses as they appear on the wire.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusStopped = "stopped"
)

// Exit code conventions for worker processes.
const (
	ExitSuccess = 0
	ExitFailed  = 1
	ExitStopped = 130
)

// DecodeCommand parses one line. ok is false for blank, unparsable, or
// unknown-kind input; such lines are skipped by the caller.
func DecodeCommand(line []byte) (Command, bool) {
	var c Command
	if err := json.Unmarshal(line, &c); err != nil {
		return Command{}, false
	}
	switch c.Cmd {
	case CmdReload, CmdRunOnce, CmdStopRun, CmdShutdown:
		return c, true
	}
	return Command{}, false
}

// Event is one of Ready, RunStarted, RunFinished.
type Event interface{ kind() string }

func (e Ready) kind() string       { return e.Event }
func (e RunStarted) kind() string  { return e.Event }
func (e RunFinished) kind() string { return e.Event }

// DecodeEvent parses one line into its concrete event type. ok is false for
// anything that is not a known event object.
func DecodeEvent(line []byte) (Event, bool) {
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, false
	}
	switch probe.Event {
	case EvReady:
		var e Ready
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, false
		}
		return e, true
	case EvRunStarted:
		var e RunStarted
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, false
		}
		return e, true
	case EvRunFinished:
		var e RunFinished
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, false
		}
		return e, true
	}
	return nil, false
}

// Writer emits newline-delimited JSON messages. Writes are mutex-serialized
// so concurrent senders cannot interleave partial lines.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (w *Writer) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(b)
	return err
}

// MaxLineBytes bounds a single protocol line. Real messages are tiny; the
// headroom is for error messages.
const MaxLineBytes = 256 * 1024

// NewScanner returns a line scanner sized for protocol streams.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxLineBytes)
	return sc
}

package ipc

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestDecodeCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		line string
		ok   bool
		want Command
	}{
		{name: "reload", line: `{"cmd":"reload"}`, ok: true, want: Command{Cmd: CmdReload}},
		{name: "run_once", line: `{"cmd":"run_once","run_id":"r1","task_name":"morning","num_of_dialogs":25}`, ok: true,
			want: Command{Cmd: CmdRunOnce, RunID: "r1", TaskName: "morning", NumOfDialogs: 25}},
		{name: "stop_run", line: `{"cmd":"stop_run","run_id":"r1"}`, ok: true, want: Command{Cmd: CmdStopRun, RunID: "r1"}},
		{name: "shutdown", line: `{"cmd":"shutdown"}`, ok: true, want: Command{Cmd: CmdShutdown}},
		{name: "unknown kind ignored", line: `{"cmd":"dance"}`, ok: false},
		{name: "not json", line: `garbage`, ok: false},
		{name: "not an object", line: `[1,2]`, ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeCommand([]byte(tt.line))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	ev, ok := DecodeEvent([]byte(`{"event":"ready","account_name":"alice","pid":42}`))
	if !ok {
		t.Fatal("ready not decoded")
	}
	ready, ok := ev.(Ready)
	if !ok || ready.AccountName != "alice" || ready.PID != 42 {
		t.Fatalf("unexpected ready: %+v", ev)
	}

	ev, ok = DecodeEvent([]byte(`{"event":"run_finished","run_id":"r1","status":"stopped","finished_at":"2026-03-14T06:02:10Z","exit_code":130,"error_message":null,"pid":42}`))
	if !ok {
		t.Fatal("run_finished not decoded")
	}
	fin := ev.(RunFinished)
	if fin.Status != StatusStopped || fin.ExitCode == nil || *fin.ExitCode != ExitStopped || fin.ErrorMessage != nil {
		t.Fatalf("unexpected run_finished: %+v", fin)
	}

	if _, ok := DecodeEvent([]byte(`{"event":"mystery"}`)); ok {
		t.Fatal("unknown event kind must be ignored")
	}
	if _, ok := DecodeEvent([]byte(`partial{`)); ok {
		t.Fatal("broken line must be ignored")
	}
}

func TestWireFieldNames(t *testing.T) {
	t.Parallel()
	code := ExitFailed
	msg := "boom"
	b, err := json.Marshal(RunFinished{
		Event: EvRunFinished, RunID: "r1", Status: StatusFailed,
		FinishedAt: "2026-03-14T06:02:10Z", ExitCode: &code, ErrorMessage: &msg, PID: 7,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"event"`, `"run_id"`, `"status"`, `"finished_at"`, `"exit_code"`, `"error_message"`, `"pid"`} {
		if !bytes.Contains(b, []byte(key)) {
			t.Fatalf("marshaled run_finished missing %s: %s", key, b)
		}
	}

	b, _ = json.Marshal(NewReady("alice", 9))
	want := `{"event":"ready","account_name":"alice","pid":9}`
	if string(b) != want {
		t.Fatalf("ready = %s, want %s", b, want)
	}
}

func TestWriterSerializesLines(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	var mu sync.Mutex
	w := NewWriter(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Send(Command{Cmd: CmdReload})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines", len(lines))
	}
	for _, ln := range lines {
		if _, ok := DecodeCommand([]byte(ln)); !ok {
			t.Fatalf("interleaved line: %q", ln)
		}
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

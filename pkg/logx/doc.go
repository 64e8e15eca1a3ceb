// Package logx configures tgtasker's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Sinks swappable at runtime (worker processes attach a per-run log file)
//
// Worker processes must log to stderr: stdout carries the IPC event stream.
package logx

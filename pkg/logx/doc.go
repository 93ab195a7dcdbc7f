// Package logx is patchbot's logging layer on top of zerolog.
//
// Loggers are values. The ones handed out by a Service stay live across
// Service.Apply, which swaps the level and the console/file sinks when
// the config reloads. Console output goes to stderr with a short
// file:line caller; the file sink writes JSON. Sometimes derives a
// rate-limited logger for warnings that could otherwise repeat on
// every sequencer pass.
package logx

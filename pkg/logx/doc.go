// Package logx configures scand's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Per-key throttling for warnings that repeat on every tick
package logx

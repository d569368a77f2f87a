// Package logx configures schoolops structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - level changes live across config reloads (Service.Apply)
package logx

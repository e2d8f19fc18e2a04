// Package logx configures wakeworker's structured logging.
//
// The worker uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional alert sink for warn/error lines (min-level + rate limiting)
package logx

// Package logx configures wardenbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional modlog sink forwarding WARN+ lines to a moderation channel
//     (min-level + rate limiting)
package logx

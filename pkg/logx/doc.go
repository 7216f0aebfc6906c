// Package logx configures bookbot's structured logging.
//
// It wraps zerolog behind a small Logger value type so that:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON
//   - warnings can optionally be mirrored into the delivery group chat
//     (min-level + rate limiting)
package logx

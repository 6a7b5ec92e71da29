// Package logx configures marketpulse's structured logging.
//
// A small value-type wrapper (logx.Logger) sits on top of zerolog so that:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON-structured
//   - warnings can be forwarded to an alert Sink (min-level + rate limiting)
package logx

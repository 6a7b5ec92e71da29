// Package storage persists the scheduler snapshot and an audit trail of bus events.
//
// Drivers:
//   - "file":   <prefix>.scheduler.json (atomic snapshot) + <prefix>.events.jsonl
//   - "sqlite": tables scheduler_state and event_audit (modernc.org/sqlite, pure Go)
//
// Job bodies are never persisted; the host re-registers them on startup.
package storage

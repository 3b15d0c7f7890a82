// Package api defines the contracts shared between shmalloc packages.
package api

// Audit receives one event per allocator operation. details carries the
// region name, the operation's offsets and sizes, and "error" when it failed.
type Audit interface {
	LogEvent(event string, details map[string]interface{}) error
}

// AuditFunc adapts an ordinary function to Audit.
type AuditFunc func(event string, details map[string]interface{}) error

// LogEvent calls f(event, details).
func (f AuditFunc) LogEvent(event string, details map[string]interface{}) error {
	return f(event, details)
}

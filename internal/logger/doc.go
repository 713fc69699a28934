// Package logger wraps zap for the crx-server binaries. It offers:
//   - a global sugared logger with a console encoder,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level configuration and parsing,
//   - leveled helpers taking a context (Infof, WarnKV, ErrorKV, ...).
//
// Services never hold a logger field: they take a context and pull the scoped
// logger out of it, so names and key-value pairs added by callers propagate.
package logger

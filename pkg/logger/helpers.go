package logger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// OrNop returns l, or a no-op logger when l is nil
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNopLogger()
	}
	return l
}

// LogRequest logs a record store HTTP call
func LogRequest(l Logger, method, url string, statusCode int, duration time.Duration) {
	fields := map[string]interface{}{
		"method":      method,
		"url":         url,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		l.DebugWithFields("store request completed", fields)
	case statusCode == 429:
		l.WarnWithFields("store request rate limited", fields)
	case statusCode >= 400 && statusCode < 500:
		l.WarnWithFields("store request client error", fields)
	default:
		l.ErrorWithFields("store request failed", fields)
	}
}

// LogRateLimit logs a server rate limit signal
func LogRateLimit(l Logger, op string, retryAfter time.Duration) {
	l.WithFields(map[string]interface{}{
		"op":          op,
		"retry_after": retryAfter,
		"action":      "rate_limited",
	}).Warn("Rate limit reached, backing off")
}

// LogScrapeProgress logs one scroll round of an extraction
func LogScrapeProgress(l Logger, target string, round, seen, stale int) {
	l.DebugWithFields("scroll round", map[string]interface{}{
		"target": target,
		"round":  round,
		"seen":   seen,
		"stale":  stale,
	})
}

// LogComponentStart logs when a component starts
func LogComponentStart(l Logger, component string, config map[string]interface{}) {
	l = l.WithField("component", component)
	if len(config) > 0 {
		l = l.WithFields(config)
	}
	l.Info("Component started")
}

// LogComponentStop logs when a component stops
func LogComponentStop(l Logger, component string, reason string) {
	l.WithFields(map[string]interface{}{
		"component": component,
		"reason":    reason,
	}).Info("Component stopped")
}

// NewNopLogger creates a no-operation logger for testing
func NewNopLogger() Logger {
	return &nopLogger{}
}

// nopLogger is a logger that does nothing
type nopLogger struct{}

var nopZerolog = zerolog.Nop()

func (n *nopLogger) Debug(msg string)                                          {}
func (n *nopLogger) Info(msg string)                                           {}
func (n *nopLogger) Warn(msg string)                                           {}
func (n *nopLogger) Error(msg string)                                          {}
func (n *nopLogger) Fatal(msg string)                                          {}
func (n *nopLogger) WithField(key string, value interface{}) Logger            { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) Logger           { return n }
func (n *nopLogger) WithError(err error) Logger                                { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger                    { return n }
func (n *nopLogger) DebugWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) InfoWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) WarnWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) ErrorWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) FatalWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) GetZerolog() *zerolog.Logger                               { return &nopZerolog }

// Package logger provides the structured logging interface used by every
// followsync component.
//
// It wraps zerolog with:
//   - Leveled methods (Debug, Info, Warn, Error, Fatal)
//   - Structured fields via WithField/WithFields and the XxxWithFields methods
//   - Colored console output or JSON lines on stderr, optional JSON log file
//   - A global logger for the CLI, and TestLogger for assertions in tests
//
// Components take a Logger in their constructor and tag it:
//
//	log := logger.GetLogger().WithFields(map[string]interface{}{
//	    "component": "resolver",
//	    "run_id":    rc.RunID,
//	})
//	log.InfoWithFields("resolved handles", map[string]interface{}{
//	    "cache_hits": hits,
//	    "created":    created,
//	})
package logger

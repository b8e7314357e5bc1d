/*
Package log provides structured logging for the control plane using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-scoped child loggers and configurable log levels.
All logs include timestamps and support filtering by severity level for
production debugging.

# Usage

Initialize once at startup from configuration:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Then derive child loggers per component or per entity:

	logger := log.WithComponent("manager")
	logger.Info().Str("sandbox_id", sb.ID).Msg("sandbox ready")

	sbLog := log.WithSandboxID(sb.ID)
	sbLog.Warn().Err(err).Msg("readiness probe failed, retrying")

JSON output (log_format: json) is the production default and feeds log
collectors; console output (log_format: text) is for interactive runs.

Child loggers are cheap value copies; creating one per request or per
sandbox is the intended pattern, not a performance concern.
*/
package log

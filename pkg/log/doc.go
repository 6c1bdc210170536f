/*
Package log provides structured logging for Karapace using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and support
filtering by severity level.

# Usage

Initializing the logger:

	import "github.com/marcoallegretti/karapace/pkg/log"

	// Console output (interactive CLI)
	log.Init(log.Config{
		Level:      log.LevelFromEnv(),
		JSONOutput: false,
		Output:     os.Stderr,
	})

Component loggers:

	storeLog := log.WithComponent("store")
	storeLog.Debug().Str("hash", hash[:12]).Msg("object written")

	envLog := log.WithEnvID(envID)
	envLog.Info().Msg("environment built")

The level is normally derived from the KARAPACE_LOG environment variable
(error, warn, info, debug, trace) and overridden by the --verbose and --trace
CLI flags. The default is warn: the engine is a CLI tool and its primary
output channel is the command result, not the log stream.
*/
package log

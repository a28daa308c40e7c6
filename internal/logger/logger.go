// Package logger configures the process-wide zerolog instance and hands out
// per-component child loggers.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, set up by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger. JSON output in production, pretty
// console output when pretty is true (local runs, debugging).
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "auditcore").Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger { return &Log }

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Orchestrator returns the child logger for the top-level dispatcher.
func Orchestrator() *zerolog.Logger { return component("orchestrator") }

// Coordinator returns the child logger for per-audit lifecycle management.
func Coordinator() *zerolog.Logger { return component("coordinator") }

// Bus returns the child logger for message routing.
func Bus() *zerolog.Logger { return component("bus") }

// Worker returns the child logger for the plugin worker pool.
func Worker() *zerolog.Logger { return component("worker") }

// Scope returns the child logger for scope evaluation and DNS expansion.
func Scope() *zerolog.Logger { return component("scope") }

// Database returns the child logger for the audit database.
func Database() *zerolog.Logger { return component("auditdb") }

// NetLimit returns the child logger for connection slots and the network cache.
func NetLimit() *zerolog.Logger { return component("netlimit") }

// Registry returns the child logger for the plugin registry.
func Registry() *zerolog.Logger { return component("plugins") }

// StatusAPI returns the child logger for the HTTP/WebSocket status surface.
func StatusAPI() *zerolog.Logger { return component("statusapi") }

// Package logger provides a global logger for the application
package logger

import (
	"flag"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger backs the leveled logger handed to libraries that want one.
var Logger = zap.NewNop()

func initLogger() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using process environment")
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).With().Caller().Logger()

	debug := flag.Bool("debug", false, "sets log level to debug")
	trace := flag.Bool("trace", false, "sets log level to trace")
	info := flag.Bool("info", false, "sets log level to info (default)")
	flag.Parse()

	environment := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if environment == "" {
		environment = "prod"
	}

	logLevel := levelFor(environment)
	switch {
	case *debug:
		logLevel = zerolog.DebugLevel
		log.Info().Msg("Debug flag detected - overriding environment log level")
	case *trace:
		logLevel = zerolog.TraceLevel
		log.Info().Msg("Trace flag detected - overriding environment log level")
	case *info:
		logLevel = zerolog.InfoLevel
		log.Info().Msg("Info flag detected - overriding environment log level")
	}

	zerolog.SetGlobalLevel(logLevel)
	Logger = newZap(environment, logLevel)

	log.Info().Str("environment", environment).Str("level", logLevel.String()).Msg("logging initialised")
}

func levelFor(environment string) zerolog.Level {
	switch environment {
	case "dev", "test":
		return zerolog.TraceLevel
	case "prod":
		return zerolog.InfoLevel
	}
	log.Warn().Str("environment", environment).Msg("Unknown environment - defaulting to production log level (info and above)")
	return zerolog.InfoLevel
}

func newZap(environment string, level zerolog.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if environment == "dev" || environment == "test" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	l, err := cfg.Build()
	if err != nil {
		log.Warn().Err(err).Msg("failed to build zap logger, library logs disabled")
		return zap.NewNop()
	}
	return l
}

func zapLevel(level zerolog.Level) zapcore.Level {
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return zapcore.DebugLevel
	case zerolog.WarnLevel:
		return zapcore.WarnLevel
	case zerolog.ErrorLevel:
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// Init initializes the logger with the configuration from the environment
// and command line flags.
// It sets up the global logger to use zerolog with console output.
// Example usage:
//
//	logger.Init() <- inside whichever main() function in your entrypoint
//
// Then, `go run ./cmd/proximity --debug`
func Init() {
	initLogger()
}

// Sugar returns a sugared logger for easier use
func Sugar() *zap.SugaredLogger {
	return Logger.Sugar()
}

// Leveled adapts a sugared zap logger to the Error/Info/Debug/Warn
// interface used by go-retryablehttp.
type Leveled struct {
	s *zap.SugaredLogger
}

// NewLeveled wraps the current Logger.
func NewLeveled() Leveled {
	return Leveled{s: Sugar().With("component", "retryablehttp")}
}

func (l Leveled) Error(msg string, keysAndValues ...interface{}) { l.s.Errorw(msg, keysAndValues...) }

func (l Leveled) Info(msg string, keysAndValues ...interface{}) { l.s.Infow(msg, keysAndValues...) }

func (l Leveled) Debug(msg string, keysAndValues ...interface{}) { l.s.Debugw(msg, keysAndValues...) }

func (l Leveled) Warn(msg string, keysAndValues ...interface{}) { l.s.Warnw(msg, keysAndValues...) }

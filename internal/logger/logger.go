// internal/logger/logger.go
// Component-scoped zerolog wrapper with console, JSON and rotating file output.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Level      string `json:"level"` // debug, info, warn, error, fatal
	LogToFile  bool   `json:"log_to_file"`
	LogToJSON  bool   `json:"log_to_json"`
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size"`    // megabytes
	MaxBackups int    `json:"max_backups"` // rotated files kept
	MaxAge     int    `json:"max_age"`     // days
	Compress   bool   `json:"compress"`
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		LogToJSON:  true,
		FilePath:   "chatserver.log",
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

// ANSI color per level for console output.
var consoleColors = map[zerolog.Level]int{
	zerolog.DebugLevel: 36,
	zerolog.InfoLevel:  32,
	zerolog.WarnLevel:  33,
	zerolog.ErrorLevel: 31,
	zerolog.FatalLevel: 35,
}

func colorize(code int, s string) string {
	return fmt.Sprintf("\033[%dm%s\033[0m", code, s)
}

func console(out io.Writer) zerolog.ConsoleWriter {
	w := zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = out
		w.TimeFormat = "15:04:05"
	})
	w.PartsOrder = []string{
		zerolog.TimestampFieldName,
		zerolog.LevelFieldName,
		"component",
		zerolog.MessageFieldName,
	}
	w.FieldsExclude = []string{"component"}
	w.FormatLevel = func(i interface{}) string {
		name, _ := i.(string)
		level, err := zerolog.ParseLevel(name)
		code, ok := consoleColors[level]
		if err != nil || !ok {
			code = 37
		}
		return colorize(code, fmt.Sprintf("[ %-5s ]", strings.ToUpper(level.String())))
	}
	w.FormatTimestamp = func(i interface{}) string { return colorize(90, fmt.Sprint(i)) }
	w.FormatFieldName = func(i interface{}) string { return colorize(34, fmt.Sprint(i)) + "=" }
	w.FormatErrFieldName = func(i interface{}) string { return colorize(31, fmt.Sprint(i)) + "=" }
	return w
}

// Writer builds the output described by config: stdout as JSON or colored
// console text, plus an optional rotating file that always receives JSON.
func Writer(config LogConfig, stdout io.Writer) io.Writer {
	var primary io.Writer = stdout
	if !config.LogToJSON {
		primary = console(stdout)
	}
	if !config.LogToFile || config.FilePath == "" {
		return primary
	}
	return zerolog.MultiLevelWriter(primary, &lumberjack.Logger{
		Filename:   config.FilePath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	})
}

// InitLogger replaces the global zerolog logger. Loggers created afterwards
// by NewLogger write to the configured outputs.
func InitLogger(config LogConfig) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(Writer(config, os.Stdout)).With().Timestamp().Logger()
}

// Logger is a component-scoped wrapper over zerolog. Every With* method
// returns a child; the receiver is never modified.
type Logger struct {
	zl zerolog.Logger
}

func NewLogger(component string) *Logger {
	return &Logger{zl: log.With().Str("component", component).Logger()}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger { return &Logger{zl: zerolog.Nop()} }

// New wraps an existing zerolog logger.
func New(l zerolog.Logger) *Logger { return &Logger{zl: l} }

func (l *Logger) child(ctx zerolog.Context) *Logger { return &Logger{zl: ctx.Logger()} }

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.child(l.zl.With().Interface(key, value))
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.child(l.zl.With().Fields(fields))
}

func (l *Logger) WithUser(userID int64) *Logger {
	return l.child(l.zl.With().Int64("user_id", userID))
}

func (l *Logger) WithError(err error) *Logger {
	return l.child(l.zl.With().Err(err))
}

func (l *Logger) Zerolog() zerolog.Logger { return l.zl }

func (l *Logger) Debug(msg string)                       { l.zl.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, v ...interface{}) { l.zl.Debug().Msgf(format, v...) }
func (l *Logger) Info(msg string)                        { l.zl.Info().Msg(msg) }
func (l *Logger) Infof(format string, v ...interface{})  { l.zl.Info().Msgf(format, v...) }
func (l *Logger) Warn(msg string)                        { l.zl.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.zl.Warn().Msgf(format, v...) }
func (l *Logger) Error(msg string)                       { l.zl.Error().Msg(msg) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.zl.Error().Msgf(format, v...) }
func (l *Logger) Fatal(msg string)                       { l.zl.Fatal().Msg(msg) }
func (l *Logger) Fatalf(format string, v ...interface{}) { l.zl.Fatal().Msgf(format, v...) }

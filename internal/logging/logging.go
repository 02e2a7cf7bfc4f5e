// Package logging adapts logrus and zap loggers to secapi.Logger.
package logging

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/fivetwenty-io/secapi/pkg/secapi"
)

// Static errors for err113 compliance.
var (
	ErrUnknownFormat = errors.New("unknown log format")
)

// Log formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

const timestampFormat = "2006-01-02 15:04:05"

// New builds a logrus logger writing to out. An invalid level is an error.
func New(out io.Writer, format, level string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	switch strings.ToLower(format) {
	case FormatText, "":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	if level == "" {
		level = logrus.InfoLevel.String()
	}

	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	logger.SetLevel(parsed)

	return logger, nil
}

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrus adapts a logrus logger.
func NewLogrus(logger *logrus.Logger) secapi.Logger {
	return &logrusLogger{entry: logrus.NewEntry(logger)}
}

func (l *logrusLogger) Debug(msg string, fields map[string]interface{}) {
	l.entry.WithFields(fields).Debug(msg)
}

func (l *logrusLogger) Info(msg string, fields map[string]interface{}) {
	l.entry.WithFields(fields).Info(msg)
}

func (l *logrusLogger) Warn(msg string, fields map[string]interface{}) {
	l.entry.WithFields(fields).Warn(msg)
}

func (l *logrusLogger) Error(msg string, fields map[string]interface{}) {
	l.entry.WithFields(fields).Error(msg)
}

type zapLogger struct {
	logger *zap.Logger
}

// NewZap adapts a zap logger. Fields are emitted in key order.
func NewZap(logger *zap.Logger) secapi.Logger {
	return &zapLogger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (l *zapLogger) Debug(msg string, fields map[string]interface{}) {
	l.logger.Debug(msg, zapFields(fields)...)
}

func (l *zapLogger) Info(msg string, fields map[string]interface{}) {
	l.logger.Info(msg, zapFields(fields)...)
}

func (l *zapLogger) Warn(msg string, fields map[string]interface{}) {
	l.logger.Warn(msg, zapFields(fields)...)
}

func (l *zapLogger) Error(msg string, fields map[string]interface{}) {
	l.logger.Error(msg, zapFields(fields)...)
}

func zapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))

	for _, key := range keys {
		if err, ok := fields[key].(error); ok {
			out = append(out, zap.NamedError(key, err))

			continue
		}

		out = append(out, zap.Any(key, fields[key]))
	}

	return out
}

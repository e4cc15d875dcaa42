package errors

import (
	"errors"

	"naikit/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Logger reports AppErrors through logrus with their code and context as fields
type Logger struct {
	*logrus.Logger
}

// WrapLogger reuses an already configured logrus logger. nil yields a JSON
// logger on stderr.
func WrapLogger(logger *logrus.Logger) *Logger {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Logger{Logger: logger}
}

// Report logs err at a level matching its cause. Rejected input, policy
// refusals, bad credentials and retryable failures log at warn; everything
// else at error.
func (l *Logger) Report(err error, message string, fields ...logrus.Fields) {
	entry := l.entry(err, fields...)
	if Severity(err) == logrus.WarnLevel {
		entry.Warn(message)
		return
	}
	entry.Error(message)
}

// Severity returns the level Report uses for err
func Severity(err error) logrus.Level {
	if IsRetryable(err) {
		return logrus.WarnLevel
	}
	switch GetCode(err) {
	case ErrCodeInvalidInput, ErrCodeUnsupportedType, ErrCodeTooLarge, ErrCodeAuthentication:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

func (l *Logger) entry(err error, fields ...logrus.Fields) *logrus.Entry {
	entry := l.Logger.WithError(err)

	var appErr *AppError
	if errors.As(err, &appErr) {
		entry = entry.WithFields(logrus.Fields{
			"error_code": appErr.Code,
			"retryable":  appErr.Retryable,
		})
		if appErr.UserMessage != "" {
			entry = entry.WithField("user_message", appErr.UserMessage)
		}
		entry = entry.WithFields(privacy.MaskSensitiveFields(appErr.Context))
	}

	for _, field := range fields {
		entry = entry.WithFields(logrus.Fields(privacy.MaskSensitiveFields(field)))
	}
	return entry
}

package testutils

import (
	"io"

	"github.com/sirupsen/logrus"
)

// QuietLogger returns a logger that discards everything
func QuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}

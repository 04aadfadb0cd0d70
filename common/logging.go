// Package common provides centralized logging, error, and identifier
// infrastructure for the sudocode execution core. The logging system is built
// on logrus with custom output handling that routes error-level messages to
// stderr while sending other levels to stdout, enabling proper stream
// separation for containerized and scripted environments.
//
// Output Routing Strategy:
//
//	Error-level messages are directed to stderr (for immediate attention and
//	error handling) while info, debug, and warning messages go to stdout
//	(for general log processing). Container orchestrators and log aggregators
//	can then apply different processing rules per stream.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter implements log output routing based on log content.
// It examines each formatted log line and directs it to stderr or stdout
// depending on its severity level.
//
// The splitter searches for the literal string "level=error", which logrus
// produces when formatting error-level entries. No regex processing is
// involved, so the overhead per write is a single byte scan.
type OutputSplitter struct{}

// Write implements io.Writer. Messages containing "level=error" go to
// stderr; everything else goes to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the sudocode core. It is
// pre-configured with the OutputSplitter and serves as the default logging
// facility for all subsystems; components derive their own entries via
// Logger.WithField("component", ...).
var Logger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&OutputSplitter{})
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return logger
}

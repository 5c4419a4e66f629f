package maelstrom

import (
	"os"

	"github.com/sirupsen/logrus"
)

// SetupLogging configures logrus for a Maelstrom node. All diagnostics go to
// STDERR so STDOUT stays a pure protocol stream. The level defaults to debug
// (the harness captures stderr per node) and can be overridden with the
// MAELSTROM_LOG environment variable.
func SetupLogging() {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(logrus.DebugLevel)
	if raw := os.Getenv("MAELSTROM_LOG"); raw != "" {
		if level, err := logrus.ParseLevel(raw); err == nil {
			logrus.SetLevel(level)
		}
	}
}

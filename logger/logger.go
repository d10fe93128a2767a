package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

/*
Every component of the memory engine logs through its own entry:

	log := logger.For("frame_table")
	log.WithField("frame", idx).Debug("EVICT")

Per-page traffic (HIT, MISS, EVICT, SWAP IN/OUT) is logged at debug level,
lifecycle events at info. Unrecoverable conditions go through Panicf.
*/

var base = logrus.New()

// Init configures the shared logger. format is "text" or "json".
func Init(level string, format string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	base.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	base.SetOutput(os.Stderr)
	return nil
}

// SetOutput redirects the shared logger, mostly for tests.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// For returns a logger tagged with the component name.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otellogrus"
)

// Config holds the logging options.
type Config struct {
	Level        string // trace, debug, info, warning, error, fatal or panic
	Format       string // text or json
	ReportCaller bool

	// Output defaults to stdout.
	Output io.Writer
}

// Configure sets up the standard logger according to c.
func Configure(c Config) (err error) {
	parsedLevel, err := log.ParseLevel(c.Level)
	if err != nil {
		return
	}
	log.SetLevel(parsedLevel)

	switch c.Format {
	case "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format '%s'", c.Format)
	}

	log.SetReportCaller(c.ReportCaller)

	if c.Output == nil {
		c.Output = os.Stdout
	}
	log.SetOutput(c.Output)

	return
}

// AddTracingHook attaches the trace context of the entries at warn level and above.
func AddTracingHook() {
	log.AddHook(otellogrus.NewHook(otellogrus.WithLevels(
		log.PanicLevel,
		log.FatalLevel,
		log.ErrorLevel,
		log.WarnLevel,
	)))
}

package patcherex

import (
	"fmt"
	"os"

	kitlog "github.com/go-kit/log"
)

// debugLogger wraps a go-kit logfmt logger behind a gated-verbose bool:
// construction is always cheap, and every call is a no-op unless verbose
// tracing was requested via Config.Verbose.
type debugLogger struct {
	logger  kitlog.Logger
	enabled bool
}

func newDebugLogger(component string, verbose bool) *debugLogger {
	l := kitlog.NewLogfmtLogger(os.Stderr)
	l = kitlog.With(l, "component", component)
	return &debugLogger{logger: l, enabled: verbose}
}

func (d *debugLogger) Debugf(format string, args ...interface{}) {
	if !d.enabled {
		return
	}
	d.logger.Log("msg", fmt.Sprintf(format, args...))
}

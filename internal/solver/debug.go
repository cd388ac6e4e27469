package solver

import (
	"io"
	"log"
)

var traceLogger *log.Logger

// SetLogWriter directs per-iteration progress to w when Options.Progress
// is set. Pass nil to disable.
func SetLogWriter(w io.Writer) {
	if w == nil {
		traceLogger = nil
		return
	}
	traceLogger = log.New(w, "[solver] ", log.LstdFlags|log.Lmicroseconds)
}

// tracef logs to the trace stream (per-iteration telemetry).
func tracef(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}

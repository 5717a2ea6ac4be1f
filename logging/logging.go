// Package logging is the logger every component receives explicitly.
//
// Lines carry a bracketed component tag, e.g. "[notifier]" or "[writer]".
package logging

import (
	"fmt"

	"github.com/golang/glog"
)

type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Glog writes through glog. Debug lines are only emitted with -v=2 or higher.
func Glog() Logger {
	return &glogLogger{}
}

type glogLogger struct{}

func (l *glogLogger) Debugf(format string, args ...any) {
	glog.V(2).Infof(format, args...)
}

func (l *glogLogger) Infof(format string, args ...any) {
	glog.Infof(format, args...)
}

func (l *glogLogger) Warningf(format string, args ...any) {
	glog.Warningf(format, args...)
}

func (l *glogLogger) Errorf(format string, args ...any) {
	glog.Errorf(format, args...)
}

// Discard drops everything.
var Discard Logger = &discardLogger{}

type discardLogger struct{}

func (l *discardLogger) Debugf(format string, args ...any)   {}
func (l *discardLogger) Infof(format string, args ...any)    {}
func (l *discardLogger) Warningf(format string, args ...any) {}
func (l *discardLogger) Errorf(format string, args ...any)   {}

// WithTag prefixes every line with "[tag]".
func WithTag(l Logger, tag string) Logger {
	if l == nil {
		l = Discard
	}
	return &taggedLogger{next: l, prefix: "[" + tag + "]"}
}

type taggedLogger struct {
	next   Logger
	prefix string
}

func (t *taggedLogger) Debugf(format string, args ...any) {
	t.next.Debugf("%s %s", t.prefix, fmt.Sprintf(format, args...))
}

func (t *taggedLogger) Infof(format string, args ...any) {
	t.next.Infof("%s %s", t.prefix, fmt.Sprintf(format, args...))
}

func (t *taggedLogger) Warningf(format string, args ...any) {
	t.next.Warningf("%s %s", t.prefix, fmt.Sprintf(format, args...))
}

func (t *taggedLogger) Errorf(format string, args ...any) {
	t.next.Errorf("%s %s", t.prefix, fmt.Sprintf(format, args...))
}

// Recorder keeps every line in memory. Useful to assert on diagnostics.
type Recorder struct {
	lines chan string
}

func NewRecorder(capacity int) *Recorder {
	return &Recorder{lines: make(chan string, capacity)}
}

func (r *Recorder) record(level, format string, args ...any) {
	select {
	case r.lines <- level + " " + fmt.Sprintf(format, args...):
	default:
	}
}

func (r *Recorder) Debugf(format string, args ...any)   { r.record("DEBUG", format, args...) }
func (r *Recorder) Infof(format string, args ...any)    { r.record("INFO", format, args...) }
func (r *Recorder) Warningf(format string, args ...any) { r.record("WARNING", format, args...) }
func (r *Recorder) Errorf(format string, args ...any)   { r.record("ERROR", format, args...) }

// Lines drains what has been recorded so far.
func (r *Recorder) Lines() []string {
	lines := []string{}
	for {
		select {
		case l := <-r.lines:
			lines = append(lines, l)
		default:
			return lines
		}
	}
}

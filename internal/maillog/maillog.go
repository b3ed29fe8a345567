// Package maillog implements a log specifically for mail events (auth
// attempts, accepted/rejected envelopes, queued messages), separate from
// the per-connection protocol trace.
package maillog

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"blitiri.com.ar/go/log"
)

// A writer that prepends timing information.
type timedWriter struct {
	w io.Writer
}

func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger contains a backend used to log data to, such as a file or an
// aggregator. It implements user-friendly methods for logging mail events.
//
// New gives a Logger that writes plain timestamped lines (in the teacher's
// style); NewStructured gives one with a logrus-based JSON backend instead, useful
// when the events are shipped to a log aggregator.
type Logger struct {
	w         io.Writer
	once      sync.Once
	structure *logrus.Logger
}

// New creates a new Logger which will write plain-text messages to w.
func New(w io.Writer) *Logger {
	return &Logger{w: timedWriter{w}}
}

// NewStructured creates a new Logger that emits one JSON object per event
// to w, via logrus.
func NewStructured(w io.Writer) *Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	l.SetOutput(w)
	return &Logger{structure: l}
}

func (l *Logger) printf(format string, args ...interface{}) {
	if l.structure != nil {
		// Structured loggers record fields directly at the call site; this
		// path only exists for callers that still format a line (kept for
		// parity with the plain-text backend during the transition).
		l.structure.Info(fmt.Sprintf(format, args...))
		return
	}

	_, err := fmt.Fprintf(l.w, format, args...)
	if err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to maillog: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

func (l *Logger) fields(f logrus.Fields) *logrus.Entry {
	if l.structure == nil {
		return nil
	}
	return l.structure.WithFields(f)
}

// Listening logs that the server is listening on the given address.
func (l *Logger) Listening(a string) {
	if e := l.fields(logrus.Fields{"event": "listening", "addr": a}); e != nil {
		e.Info("listening")
		return
	}
	l.printf("daemon listening on %s\n", a)
}

// Auth logs an authentication attempt.
func (l *Logger) Auth(netAddr net.Addr, user string, method string, successful bool) {
	if e := l.fields(logrus.Fields{
		"event": "auth", "remote": netAddr.String(),
		"user": user, "method": method, "ok": successful,
	}); e != nil {
		e.Info("auth")
		return
	}

	res := "succeeded"
	if !successful {
		res = "failed"
	}
	l.printf("%s auth %s %s for %s\n", netAddr, method, res, user)
}

// Rejected logs that an envelope was rejected.
func (l *Logger) Rejected(netAddr net.Addr, from string, to []string, reason string) {
	if e := l.fields(logrus.Fields{
		"event": "rejected", "remote": netAddr.String(),
		"from": from, "to": to, "reason": reason,
	}); e != nil {
		e.Info("rejected")
		return
	}

	if from != "" {
		from = fmt.Sprintf(" from=%s", from)
	}
	toStr := ""
	if len(to) > 0 {
		toStr = fmt.Sprintf(" to=%v", to)
	}
	l.printf("%s rejected%s%s - %v\n", netAddr, from, toStr, reason)
}

// Queued logs that a message was accepted and handed off to the consumer's
// data sink.
func (l *Logger) Queued(netAddr net.Addr, sessionID, from string, to []string) {
	if e := l.fields(logrus.Fields{
		"event": "queued", "session": sessionID, "remote": netAddr.String(),
		"from": from, "to": to,
	}); e != nil {
		e.Info("queued")
		return
	}
	l.printf("%s from=%s queued ip=%s to=%v\n", sessionID, from, netAddr, to)
}

// Default logger, used by the following top-level functions. Discards by
// default; callers that want mail logging call SetDefault.
var Default = New(discard{})

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) { Default = l }

// Listening logs that the server is listening on the given address.
func Listening(a string) { Default.Listening(a) }

// Auth logs an authentication attempt.
func Auth(netAddr net.Addr, user, method string, successful bool) {
	Default.Auth(netAddr, user, method, successful)
}

// Rejected logs that an envelope was rejected.
func Rejected(netAddr net.Addr, from string, to []string, reason string) {
	Default.Rejected(netAddr, from, to, reason)
}

// Queued logs that a message was accepted.
func Queued(netAddr net.Addr, sessionID, from string, to []string) {
	Default.Queued(netAddr, sessionID, from, to)
}

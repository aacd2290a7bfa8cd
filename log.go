package bptree

import (
	"bytes"
	"io"
	"testing"

	"github.com/nikandfor/tlog"
)

// tl is the package-wide verbose logger. It is nil-safe: every call site
// guards on tl.V(topic) first, same as the teacher's tl.V("dbroot") != nil
// idiom, so a nil tl never gets dereferenced.
var tl *tlog.Logger

// SetLogger installs l as the package logger. Pass nil to go quiet again.
func SetLogger(l *tlog.Logger) {
	tl = l
}

// testingWriter routes console-writer output through t.Logf.
type testingWriter struct {
	t testing.TB
}

func (w testingWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

// InitTestLogger wires a tlog logger filtered by v (a topic filter string,
// e.g. "driver,tree") for the duration of a test.
func InitTestLogger(t testing.TB, v string, tostderr bool) *tlog.Logger {
	var w io.Writer
	ff := tlog.LdetFlags

	if tostderr {
		w = tlog.Stderr
	} else {
		w = testingWriter{t: t}
		ff = 0
	}

	l := tlog.New(tlog.NewConsoleWriter(w, ff))

	if v != "" {
		l.SetVerbosity(v)
	}

	tl = l

	return tl
}

func logV(topic string) bool {
	return tl != nil && tl.V(topic) != nil
}

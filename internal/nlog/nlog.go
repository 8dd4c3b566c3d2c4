// Package nlog is fluxus's own logger: buffered, timestamped, severity-leveled,
// periodically flushed and size-rotated.
/*
 * adapted from aistore's cmn/nlog
 */
package nlog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxusproxy/fluxus/internal/mono"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

const sevChar = "IWE"

// MaxSize is the size (bytes written) at which the active log file is rotated.
var MaxSize int64 = 64 * 1024 * 1024

type logger struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	file    *os.File
	written int64
	last    atomic.Int64
	dir     string
	role    string
}

var (
	def     = &logger{}
	toStderr = true
)

// SetPre points the logger at a directory and tags every rotated file with
// role (e.g. "broker" or "agent"); until called, everything goes to stderr.
func SetPre(dir, role string) {
	def.mu.Lock()
	defer def.mu.Unlock()
	def.dir, def.role = dir, role
	toStderr = dir == ""
	if !toStderr {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			toStderr = true
			return
		}
		_ = def.rotate()
	}
}

func (l *logger) rotate() error {
	if l.file != nil {
		l.file.Close()
	}
	name := fmt.Sprintf("%s.%s.%s.log", l.role, time.Now().Format("20060102-150405"), strconv.Itoa(os.Getpid()))
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.written = 0
	return nil
}

func header(sev severity, depth int, buf *bytes.Buffer) {
	buf.WriteByte(sevChar[sev])
	buf.WriteByte(' ')
	buf.WriteString(time.Now().Format("15:04:05.000000"))
	buf.WriteByte(' ')
	_, fn, ln, ok := runtime.Caller(3 + depth)
	if ok {
		if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
			fn = fn[idx+1:]
		}
		buf.WriteString(fn)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(ln))
		buf.WriteByte(' ')
	}
}

func logf(sev severity, depth int, format string, args ...any) {
	var line bytes.Buffer
	header(sev, depth, &line)
	if format == "" {
		fmt.Fprintln(&line, args...)
	} else {
		fmt.Fprintf(&line, format, args...)
		if b := line.Bytes(); len(b) == 0 || b[len(b)-1] != '\n' {
			line.WriteByte('\n')
		}
	}

	if toStderr || sev >= sevErr {
		os.Stderr.Write(line.Bytes())
		if toStderr {
			return
		}
	}

	def.mu.Lock()
	def.buf.Write(line.Bytes())
	def.last.Store(mono.NanoTime())
	if def.buf.Len() >= 32*1024 {
		def.flushLocked()
	}
	def.mu.Unlock()
}

func (l *logger) flushLocked() {
	if l.file == nil || l.buf.Len() == 0 {
		return
	}
	n, _ := l.file.Write(l.buf.Bytes())
	l.written += int64(n)
	l.buf.Reset()
	if l.written >= MaxSize {
		_ = l.rotate()
	}
}

// Flush forces any buffered bytes to disk; call it from a housekeeper tick
// and once more on exit.
func Flush() {
	def.mu.Lock()
	def.flushLocked()
	if def.file != nil {
		def.file.Sync()
	}
	def.mu.Unlock()
}

func Since() time.Duration { return time.Duration(mono.NanoTime() - def.last.Load()) }

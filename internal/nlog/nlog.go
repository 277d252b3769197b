// Package nlog is the ambient logger used across the sharded history-export
// engine: leveled, depth-aware, with a per-run verbosity mask so hot loops
// (per-chunk, per-frame) can be silenced without recompiling.
package nlog

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type severity int32

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var (
	mu     sync.Mutex
	out    = os.Stderr
	verb   int32 // current verbosity threshold; FastV(n) true when n <= verb
	module int32 // bitmask of always-on modules, independent of verb
)

// SetVerbosity sets the global verbosity threshold consulted by FastV.
func SetVerbosity(v int) { atomic.StoreInt32(&verb, int32(v)) }

// SetModules replaces the bitmask of modules that log regardless of verbosity.
func SetModules(mask int) { atomic.StoreInt32(&module, int32(mask)) }

// FastV mirrors aistore's cmn.Rom.FastV: true when the configured verbosity
// is at or above `v`, or when `fl` intersects the always-on module mask.
func FastV(v, fl int) bool {
	return atomic.LoadInt32(&verb) >= int32(v) || atomic.LoadInt32(&module)&int32(fl) != 0
}

func Infof(format string, args ...any)    { logf(sevInfo, 1, format, args...) }
func Infoln(args ...any)                  { logln(sevInfo, 1, args...) }
func InfoDepth(depth int, args ...any)    { logln(sevInfo, depth+1, args...) }
func Warningf(format string, args ...any) { logf(sevWarn, 1, format, args...) }
func Warningln(args ...any)               { logln(sevWarn, 1, args...) }
func Errorf(format string, args ...any)   { logf(sevErr, 1, format, args...) }
func Errorln(args ...any)                 { logln(sevErr, 1, args...) }
func ErrorDepth(depth int, args ...any)   { logln(sevErr, depth+1, args...) }

func logf(sev severity, depth int, format string, args ...any) {
	write(sev, depth+1, fmt.Sprintf(format, args...))
}

func logln(sev severity, depth int, args ...any) {
	write(sev, depth+1, strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func write(sev severity, depth int, msg string) {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		file, line = "???", 0
	} else if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	now := time.Now()
	mu.Lock()
	fmt.Fprintf(out, "%c%s %s:%s] %s\n", sevChar(sev), now.Format("0102 15:04:05.000000"),
		file, strconv.Itoa(line), msg)
	mu.Unlock()
}

func sevChar(sev severity) byte {
	switch sev {
	case sevWarn:
		return 'W'
	case sevErr:
		return 'E'
	default:
		return 'I'
	}
}

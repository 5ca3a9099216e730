// Package daocfg carries the engine's tunables and its leveled,
// printf-style debug logging: package-level switches and helper functions
// rather than a structured-logging framework.
package daocfg

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Debugging switches.
var (
	ShowDebugInfo = false
	ShowWarnings  = ShowDebugInfo
	ShowTestInfo  = ShowDebugInfo
	LogToFile     = false
)

// Default protocol tunables.
const (
	DefaultTPCStepTimeout  = 3000 * time.Millisecond
	DefaultMTPCStepTimeout = 3000 * time.Millisecond
	DefaultOOEStepTimeout  = 3000 * time.Millisecond
	DefaultOverallTimeout  = 60000 * time.Millisecond
	DefaultMinSleep        = 1000 * time.Millisecond
)

// Options holds construction-time overrides for an Engine: a single
// struct threaded through every component at construction.
type Options struct {
	TPCStepTimeout  time.Duration
	MTPCStepTimeout time.Duration
	OOEStepTimeout  time.Duration
	OverallTimeout  time.Duration
	MinSleep        time.Duration
}

// DefaultOptions returns the default protocol timeouts.
func DefaultOptions() Options {
	return Options{
		TPCStepTimeout:  DefaultTPCStepTimeout,
		MTPCStepTimeout: DefaultMTPCStepTimeout,
		OOEStepTimeout:  DefaultOOEStepTimeout,
		OverallTimeout:  DefaultOverallTimeout,
		MinSleep:        DefaultMinSleep,
	}
}

func TPrintf(format string, a ...interface{}) {
	if ShowTestInfo {
		emit(format, a...)
	}
}

func DPrintf(format string, a ...interface{}) {
	if ShowDebugInfo {
		emit(format, a...)
	}
}

func OpPrintf(id uint64, format string, a ...interface{}) {
	if ShowDebugInfo {
		emit("OP"+strconv.FormatUint(id, 10)+": "+format, a...)
	}
}

func Warn(cond bool, msg string) bool {
	if ShowWarnings && !cond {
		emit("[WARNING] " + msg)
	}
	return cond
}

func emit(format string, a ...interface{}) {
	line := time.Now().Format("15:04:05.000") + " <---> " + fmt.Sprintf(format, a...)
	if LogToFile {
		log.Println(line)
	} else {
		fmt.Println(line)
	}
}

// JString renders v as compact JSON for diagnostics.
func JString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Package diag implements the structured decode-error and warning
// collection described in the ambient logging/error-handling design this
// module follows: a Collector that records warnings and errors so a caller
// can inspect what was skipped and why. No other package in this module
// records into it; the decoders return wrapped errors and the CLI prints
// procmem's warnings directly.
package diag

import (
	"fmt"
	"sync"
)

// Severity classifies a diagnostic; Warning entries describe a degraded
// but still-useful result (e.g. one module unsymbolized), Error entries
// describe a request that could not be completed at all.
type Severity int

const (
	Warning Severity = iota
	Error
)

func (s Severity) String() string {
	if s == Error {
		return "error"
	}
	return "warning"
}

// Entry is one recorded diagnostic.
type Entry struct {
	Severity Severity
	Source   string // e.g. a module name or "core"
	Message  string
}

func (e Entry) String() string {
	return fmt.Sprintf("%s: %s: %s", e.Severity, e.Source, e.Message)
}

// Collector accumulates diagnostics across an attach/walk, safe for
// concurrent use since module loading in a future multi-core-file
// comparison could run in parallel.
type Collector struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns an empty Collector.
func New() *Collector { return &Collector{} }

// Warnf records a Warning-severity diagnostic.
func (c *Collector) Warnf(source, format string, args ...any) {
	c.add(Warning, source, fmt.Sprintf(format, args...))
}

// Errorf records an Error-severity diagnostic.
func (c *Collector) Errorf(source, format string, args ...any) {
	c.add(Error, source, fmt.Sprintf(format, args...))
}

func (c *Collector) add(sev Severity, source, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Entry{Severity: sev, Source: source, Message: msg})
}

// Entries returns every diagnostic recorded so far, in order.
func (c *Collector) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// HasErrors reports whether any Error-severity diagnostic was recorded.
func (c *Collector) HasErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Severity == Error {
			return true
		}
	}
	return false
}

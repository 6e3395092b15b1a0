// Package logger provides unified process logging for adc-timing-core, with
// an output prefix and a quiet switch.
package logger

import "log"

// Quiet, when true, suppresses Info output; Error is always printed.
var Quiet bool

// Info prints an informational message with the "adc-timing-core: " prefix
// unless Quiet is set.
func Info(format string, args ...interface{}) {
	if Quiet {
		return
	}
	log.Printf("adc-timing-core: "+format, args...)
}

// Warn prints a warning; always shown regardless of Quiet.
func Warn(format string, args ...interface{}) {
	log.Printf("adc-timing-core: WARN: "+format, args...)
}

// Error prints an error message; always shown regardless of Quiet.
func Error(format string, args ...interface{}) {
	log.Printf("adc-timing-core: ERROR: "+format, args...)
}

// Package cliutil provides the shared process-exit convention for every
// cmd/* binary (spec section 6, "CLI surface").
package cliutil

import (
	"errors"
	"fmt"
	"log"
	"os"
)

// ExitCode is an error value that requests a specific process exit code.
// main functions must call Exit with their top-level error so ExitCode is
// honored; any other non-nil error maps to exit code 1 after printing its
// cause chain.
type ExitCode int

func (e ExitCode) Error() string {
	return fmt.Sprintf("exit code %d", int(e))
}

// Exit terminates the program per the exit-code propagation policy in spec
// section 7: the wrapped process's own exit code if present, 128+N for
// signal N (callers construct that ExitCode themselves), otherwise 1 with
// the error's cause chain printed to stderr. Never returns.
func Exit(err error) {
	var code ExitCode
	if errors.As(err, &code) {
		os.Exit(int(code))
	}
	if err != nil {
		log.Printf("FATAL: %v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Package executor runs shell commands locally or over SSH and captures
// the outcome into a uniform Result. Executors never return errors to
// their callers: spawn failures, connection drops and IO problems are
// folded into a Result with exit code 1 and the failure text on stderr,
// so a tool call always gets a well-formed answer.
package executor

import (
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// Result is the uniform outcome of one command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// Duration is the wall-clock time of the whole call, including
	// process spawn or SSH round-trip overhead.
	Duration time.Duration
}

// sanitize replaces invalid UTF-8 byte sequences so binary output can
// travel through JSON without breaking serialization.
func sanitize(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}

// mergeEnviron layers override variables on top of the process
// environment. Later entries win for duplicate keys.
func mergeEnviron(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

package executor

import (
	"context"
	"strings"
	"testing"
)

func TestLocalRunCapturesStdout(t *testing.T) {
	local := NewLocal(nil, nil)

	result := local.Run(context.Background(), "echo hello", nil, "")

	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if !strings.Contains(result.Stdout, "hello") {
		t.Errorf("Stdout = %q, want it to contain hello", result.Stdout)
	}
	if result.Stderr != "" {
		t.Errorf("Stderr = %q, want empty", result.Stderr)
	}
	if result.Duration <= 0 {
		t.Error("Duration was not measured")
	}
}

func TestLocalRunNonZeroExit(t *testing.T) {
	local := NewLocal(nil, nil)

	result := local.Run(context.Background(), "exit 3", nil, "")

	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if result.Stdout != "" {
		t.Errorf("Stdout = %q, want empty", result.Stdout)
	}
}

func TestLocalRunCapturesStderr(t *testing.T) {
	local := NewLocal(nil, nil)

	result := local.Run(context.Background(), "echo oops >&2; exit 2", nil, "")

	if result.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "oops") {
		t.Errorf("Stderr = %q, want it to contain oops", result.Stderr)
	}
}

func TestLocalRunEnvOverride(t *testing.T) {
	local := NewLocal(nil, nil)

	result := local.Run(context.Background(), "echo $GREETING", map[string]string{"GREETING": "bonjour"}, "")

	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}
	if !strings.Contains(result.Stdout, "bonjour") {
		t.Errorf("Stdout = %q, want it to contain the override value", result.Stdout)
	}
}

func TestLocalRunWorkingDirectory(t *testing.T) {
	local := NewLocal(nil, nil)
	dir := t.TempDir()

	result := local.Run(context.Background(), "pwd", nil, dir)

	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}
	if !strings.Contains(result.Stdout, dir) {
		t.Errorf("Stdout = %q, want it to contain %q", result.Stdout, dir)
	}
}

func TestLocalRunSpawnFailure(t *testing.T) {
	local := NewLocal(nil, nil)

	// A nonexistent working directory fails before the shell starts.
	result := local.Run(context.Background(), "echo hello", nil, "/nonexistent/directory/for/test")

	if result.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "local command failed") {
		t.Errorf("Stderr = %q, want a spawn failure description", result.Stderr)
	}
	if result.Stdout != "" {
		t.Errorf("Stdout = %q, want empty", result.Stdout)
	}
}

func TestLocalRunCancelledContext(t *testing.T) {
	local := NewLocal(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := local.Run(ctx, "sleep 10", nil, "")

	if result.ExitCode == 0 {
		t.Error("cancelled run reported success")
	}
}

func TestMergeEnvironOverridesProcessEnv(t *testing.T) {
	t.Setenv("MERGE_TEST_VAR", "original")

	env := mergeEnviron(map[string]string{"MERGE_TEST_VAR": "override", "MERGE_TEST_NEW": "added"})

	// Both the original and the override are present; the override
	// comes later so it wins when the slice is applied.
	var sawOverride, sawNew bool
	for _, kv := range env {
		if kv == "MERGE_TEST_VAR=override" {
			sawOverride = true
		}
		if kv == "MERGE_TEST_NEW=added" {
			sawNew = true
		}
	}
	if !sawOverride {
		t.Error("override value missing from merged environment")
	}
	if !sawNew {
		t.Error("new variable missing from merged environment")
	}
}

func TestSanitizeReplacesInvalidUTF8(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid string
	}{
		{"valid ascii", "hello", "hello"},
		{"valid multibyte", "héllo wörld", "héllo wörld"},
		{"invalid byte", "abc\xffdef", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := sanitize(tc.input)
			if tc.valid != "" && result != tc.valid {
				t.Errorf("sanitize(%q) = %q, want %q", tc.input, result, tc.valid)
			}
			if strings.Contains(result, "\xff") {
				t.Errorf("sanitize(%q) kept invalid bytes: %q", tc.input, result)
			}
			if tc.valid == "" && !strings.Contains(result, "�") {
				t.Errorf("sanitize(%q) = %q, want replacement rune", tc.input, result)
			}
		})
	}
}

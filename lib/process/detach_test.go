// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

const redirectHelperVariable = "HOLDFAST_TEST_REDIRECT_LOG"

// TestMain doubles as the child for TestRedirectDiagnostics: when the
// helper variable is set, the binary redirects its own output and
// exits instead of running tests.
func TestMain(m *testing.M) {
	if logPath := os.Getenv(redirectHelperVariable); logPath != "" {
		if _, err := RedirectDiagnostics(logPath); err != nil {
			os.Exit(3)
		}
		Harden()
		fmt.Fprintln(os.Stdout, "stdout line")
		fmt.Fprintln(os.Stderr, "stderr line")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestDetachAttributes(t *testing.T) {
	t.Parallel()
	if attributes := DetachAttributes(); !attributes.Setsid {
		t.Errorf("Setsid = false, want true")
	}
}

func TestRedirectDiagnostics(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "session.log")
	if err := os.WriteFile(logPath, []byte("earlier run\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	command := exec.Command(os.Args[0])
	command.Env = append(os.Environ(), redirectHelperVariable+"="+logPath)
	command.SysProcAttr = DetachAttributes()
	output, err := command.CombinedOutput()
	if err != nil {
		t.Fatalf("helper failed: %v (output %q)", err, output)
	}
	if len(output) != 0 {
		t.Errorf("helper wrote %q to its original streams", output)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	for _, want := range []string{"earlier run", "stdout line", "stderr line"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log %q missing %q", data, want)
		}
	}
}

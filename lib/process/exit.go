// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Fatal writes "<program>: error: err" to stderr and exits. An error
// that carries an ExitCode() int method exits with that code; anything
// else exits 1. Binaries call it from main() on the error returned by
// run(), before or after their logger exists.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "%s: error: %v\n", filepath.Base(os.Args[0]), err)
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		os.Exit(coder.ExitCode())
	}
	os.Exit(1)
}

package cmd

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var errUsage = errors.New("usage")

// usageError marks configuration and flag problems, which exit with 2.
func usageError(err error) error {
	return fmt.Errorf("%w: %w", errUsage, err)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := newRootCmd()
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)

	err := root.Execute()
	_ = zap.L().Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		if errors.Is(err, errUsage) {
			return exitUsage
		}
		return exitFailure
	}
	return exitOK
}

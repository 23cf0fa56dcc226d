package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/oneconcern/casproxy/pkg/dedup"
	"github.com/oneconcern/casproxy/pkg/errors"
)

// exit codes
const (
	exitFailure  = 1
	exitNotFound = 2
	exitDenied   = 3
)

var (
	// used to patch over calls to os.Exit() during test
	osExit = os.Exit

	errColor = color.New(color.FgRed, color.Bold)
)

// exitCode for an error returned by a command
func exitCode(err error) int {
	switch {
	case errors.Is(err, dedup.ErrNotFound):
		return exitNotFound
	case errors.Is(err, dedup.ErrAccessDenied), errors.Is(err, ErrUnauthorized), errors.Is(err, dedup.ErrReadOnly):
		return exitDenied
	default:
		return exitFailure
	}
}

func printError(w io.Writer, err error) {
	_, _ = errColor.Fprint(w, "error: ")
	_, _ = fmt.Fprintln(w, err)
}

func wrapFatal(w io.Writer, err error) {
	if err == nil {
		return
	}
	printError(w, err)
	osExit(exitCode(err))
}

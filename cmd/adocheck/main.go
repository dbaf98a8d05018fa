package main

import (
	"fmt"
	"io"
	"os"

	adoerrors "github.com/hasko/adocheck/internal/errors"
)

func main() {
	err := rootCmd.Execute()
	teardown()
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status: 2 for configuration
// problems, 130 for cancellation, 1 otherwise.
func exitCode(err error) int {
	switch adoerrors.CodeOf(err) {
	case adoerrors.ConfigInvalid, adoerrors.TargetsNotFound:
		return 2
	case adoerrors.Cancelled:
		return 130
	default:
		return 1
	}
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	for _, fix := range suggestedFixes(err) {
		fmt.Fprintf(w, "  $ %s\n", fix.Command)
		if fix.Description != "" {
			fmt.Fprintf(w, "    %s\n", fix.Description)
		}
	}
}

func suggestedFixes(err error) []adoerrors.FixAction {
	code := adoerrors.CodeOf(err)
	if code == "" {
		return nil
	}
	return adoerrors.GetSuggestedFixes(code)
}

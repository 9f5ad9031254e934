package cmd

import (
	"os"

	"golang.org/x/term"
)

// isTerminal reports whether f is attached to an interactive terminal,
// matching the teacher's cmd.go check that switches the logger between a
// console writer and plain JSON.
func isTerminal(f *os.File) bool { return term.IsTerminal(int(f.Fd())) }

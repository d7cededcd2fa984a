package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

var (
	confirmReader   io.Reader = os.Stdin
	confirmWriter   io.Writer = os.Stderr
	isInteractiveFn           = isInteractive
)

func isInteractive() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
}

// askApply asks whether a previewed batch should be applied. Non-interactive
// sessions never apply without --yes.
func askApply() (bool, error) {
	if !isInteractiveFn() {
		return false, nil
	}
	return promptYesNo(confirmReader, confirmWriter, "Apply these changes? Type 'yes' to continue: ")
}

func promptYesNo(r io.Reader, w io.Writer, prompt string) (bool, error) {
	if r == nil {
		return false, fmt.Errorf("stdin unavailable")
	}
	if w != nil && strings.TrimSpace(prompt) != "" {
		if _, err := fmt.Fprint(w, prompt); err != nil {
			return false, err
		}
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes"), nil
}

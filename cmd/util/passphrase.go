package util

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh/terminal"

	"github.com/sidkik/peersync/pkg/errors"
)

// ErrNotTerminal is returned by PromptPassphrase when stdin can't be used to
// prompt the user.
var ErrNotTerminal = errors.New("stdin is not a terminal")

// Mocked for unit testing.
var (
	isTerminal   = terminal.IsTerminal
	readPassword = terminal.ReadPassword
	stdinFd      = int(os.Stdin.Fd())
)

// PromptPassphrase reads a passphrase from the terminal without echoing it.
func PromptPassphrase(prompt string) (string, error) {
	if !isTerminal(stdinFd) {
		return "", ErrNotTerminal
	}

	fmt.Fprintf(stdout, "%s: ", prompt)
	passphrase, err := readPassword(stdinFd)
	fmt.Fprintln(stdout)
	if err != nil {
		return "", errors.WithContext(err, "read passphrase")
	}
	return string(passphrase), nil
}

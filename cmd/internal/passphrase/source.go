// Package passphrase resolves keystore passphrases for the ledger CLIs.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source reads a passphrase from an environment variable, or prompts on
// the terminal when the variable is unset. The first answer is cached.
type Source struct {
	envVar string
	label  string
	prompt func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource returns a Source that checks envVar before prompting for the
// passphrase of label, e.g. "keystore".
func NewSource(envVar, label string) *Source {
	if strings.TrimSpace(label) == "" {
		label = "keystore"
	}
	return &Source{envVar: strings.TrimSpace(envVar), label: label, prompt: promptTerminal}
}

// Get returns the passphrase. Blank passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	value, err := s.prompt(s.label)
	if err != nil {
		if s.envVar != "" {
			return "", fmt.Errorf("%w; set %s", err, s.envVar)
		}
		return "", err
	}
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s passphrase cannot be empty", s.label)
	}
	return value, nil
}

var errNoTerminal = errors.New("passphrase required and no terminal available")

func promptTerminal(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	return readHidden(os.Stderr, fd, fmt.Sprintf("Enter %s passphrase: ", label))
}

func readHidden(w io.Writer, fd int, prompt string) (string, error) {
	fmt.Fprint(w, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}

// Package secret resolves ledger secret seeds for command-line tools.
package secret

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a secret seed from an environment variable or by
// prompting on the terminal. The value is cached after the first successful
// retrieval.
type Source struct {
	envVar string
	prompt string

	lookupEnv    func(string) (string, bool)
	isTerminal   func() bool
	readPassword func() ([]byte, error)
	stderr       io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar before prompting with
// prompt on stderr.
func NewSource(envVar, prompt string) *Source {
	fd := int(os.Stdin.Fd())
	return &Source{
		envVar:       strings.TrimSpace(envVar),
		prompt:       prompt,
		lookupEnv:    os.LookupEnv,
		isTerminal:   func() bool { return term.IsTerminal(fd) },
		readPassword: func() ([]byte, error) { return term.ReadPassword(fd) },
		stderr:       os.Stderr,
	}
}

// Get returns the cached secret or resolves it on first use. Whitespace is
// trimmed and empty secrets are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = strings.TrimSpace(value)
				return
			}
		}

		if !s.isTerminal() {
			if s.envVar != "" {
				s.err = fmt.Errorf("secret seed required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("secret seed required and no terminal available")
			}
			return
		}

		fmt.Fprint(s.stderr, s.prompt)
		raw, err := s.readPassword()
		fmt.Fprintln(s.stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read secret: %w", err)
			return
		}
		value := strings.TrimSpace(string(raw))
		if value == "" {
			s.err = errors.New("secret seed cannot be empty")
			return
		}
		s.value = value
	})

	return s.value, s.err
}

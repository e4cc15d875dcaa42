package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// passwordReader asks the user for a password. ok is false when nobody can
// be asked, which leaves the caller's missing-credentials error in place.
type passwordReader func(prompt string) (password string, ok bool, err error)

// terminalPassword reads from in with echo disabled. It declines unless in
// is a terminal so piped and scripted runs never block.
func terminalPassword(in io.Reader, out io.Writer) passwordReader {
	return func(prompt string) (string, bool, error) {
		f, isFile := in.(*os.File)
		if !isFile {
			return "", false, nil
		}
		fd := int(f.Fd())
		if !term.IsTerminal(fd) {
			return "", false, nil
		}

		fmt.Fprint(out, prompt)
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", true, fmt.Errorf("read password: %w", err)
		}
		return string(password), true, nil
	}
}

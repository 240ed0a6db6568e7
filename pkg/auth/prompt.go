package auth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PromptToken asks for a token on out and reads it from in. Input is not
// echoed when in is a terminal; otherwise a single line is read, which lets
// the token be piped in.
func PromptToken(in *os.File, out io.Writer) (string, error) {
	fmt.Fprint(out, "Store API token: ")

	var token string
	if term.IsTerminal(int(in.Fd())) {
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		token = string(b)
	} else {
		line, err := readLine(in)
		if err != nil {
			return "", err
		}
		token = line
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidCredentials
	}
	return token, nil
}

func readLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return "", errors.New("no token provided")
}

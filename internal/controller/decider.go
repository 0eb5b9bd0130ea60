package controller

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/peterh/liner"
)

// ErrAborted is returned by a Decider when the operator ends input
// (Ctrl+C or end of file).
var ErrAborted = errors.New("input aborted")

// Decider is the operator side of the interactive session.
type Decider interface {
	// Confirm asks a yes/no question; anything but yes is no.
	Confirm(prompt string) (bool, error)
	// Choose shows numbered options and returns the 1-based pick. ok is
	// false when the answer is not a number in range; that is a cancel,
	// not an error.
	Choose(prompt string, options []string) (choice int, ok bool, err error)
	Ask(prompt string) (string, error)
	AskSecret(prompt string) (string, error)
}

// IsYes reports whether an answer to a y/n question means yes.
func IsYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

// ParseChoice maps an answer to a 1-based index into n options.
func ParseChoice(answer string, n int) (int, bool) {
	i, err := strconv.Atoi(strings.TrimSpace(answer))
	if err != nil || i < 1 || i > n {
		return 0, false
	}
	return i, true
}

// FormatOptions renders options the way Choose presents them.
func FormatOptions(options []string) string {
	var b strings.Builder
	for i, o := range options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, o)
	}
	return b.String()
}

// LinerDecider reads answers from the terminal with line editing.
type LinerDecider struct {
	line *liner.State
	out  io.Writer
}

func NewLinerDecider(out io.Writer) *LinerDecider {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	return &LinerDecider{line: line, out: out}
}

// Close restores the terminal.
func (d *LinerDecider) Close() error { return d.line.Close() }

func (d *LinerDecider) Confirm(prompt string) (bool, error) {
	s, err := d.prompt(prompt)
	if err != nil {
		return false, err
	}
	return IsYes(s), nil
}

func (d *LinerDecider) Choose(prompt string, options []string) (int, bool, error) {
	_, _ = fmt.Fprint(d.out, prompt+"\n"+FormatOptions(options))
	s, err := d.prompt("> ")
	if err != nil {
		return 0, false, err
	}
	i, ok := ParseChoice(s, len(options))
	return i, ok, nil
}

func (d *LinerDecider) Ask(prompt string) (string, error) { return d.prompt(prompt) }

func (d *LinerDecider) AskSecret(prompt string) (string, error) {
	s, err := d.line.PasswordPrompt(prompt)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, liner.ErrPromptAborted), errors.Is(err, io.EOF):
		return "", ErrAborted
	}
	// no terminal to hide the echo on; read it as a plain line
	return d.readLine(prompt)
}

func (d *LinerDecider) prompt(p string) (string, error) {
	s, err := d.readLine(p)
	if err == nil && strings.TrimSpace(s) != "" {
		d.line.AppendHistory(s)
	}
	return s, err
}

func (d *LinerDecider) readLine(p string) (string, error) {
	s, err := d.line.Prompt(p)
	if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
		return "", ErrAborted
	}
	return s, err
}

package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ergochat/readline"
	"golang.org/x/term"
)

const historySize = 500

// lineEditor reads commands with readline when the input is a terminal and
// line by line otherwise.
type lineEditor struct {
	rl      *readline.Instance
	scanner *bufio.Scanner
	out     io.Writer
}

func newLineEditor(in io.Reader, out io.Writer, historyFile string) *lineEditor {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) && os.Getenv("INSIDE_EMACS") == "" {
		rl, err := readline.NewFromConfig(&readline.Config{
			HistoryFile:            historyFile,
			HistoryLimit:           historySize,
			DisableAutoSaveHistory: true,
		})
		if err == nil {
			return &lineEditor{rl: rl, out: out}
		}
		fmt.Fprintf(out, "warning: readline unavailable (%v), using basic input\n", err)
	}
	return &lineEditor{scanner: bufio.NewScanner(in), out: out}
}

// readLine returns io.EOF at the end of input and on Ctrl-C.
func (le *lineEditor) readLine(prompt string) (string, error) {
	if le.rl == nil {
		fmt.Fprint(le.out, prompt)
		if !le.scanner.Scan() {
			if err := le.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return le.scanner.Text(), nil
	}

	le.rl.SetPrompt(prompt)
	line, err := le.rl.Readline()
	if err != nil {
		if err == readline.ErrInterrupt {
			return "", io.EOF
		}
		return "", err
	}
	if trimmed := strings.TrimSpace(line); trimmed != "" {
		le.rl.SaveToHistory(trimmed)
	}
	return line, nil
}

func (le *lineEditor) interactive() bool {
	return le.rl != nil
}

func (le *lineEditor) close() {
	if le.rl != nil {
		le.rl.Close()
		le.rl = nil
	}
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\$\{([A-Za-z]+)(?::([^}]*))?\}`)

// pathVariables resolve the argument-free placeholders.
var pathVariables = map[string]func() (string, error){
	"userHome":  os.UserHomeDir,
	"configDir": os.UserConfigDir,
	"cwd":       os.Getwd,
	"pathSeparator": func() (string, error) {
		return string(os.PathSeparator), nil
	},
}

// ResolveVariables expands placeholders in a configured path:
// ${env:NAME}, ${userHome}, ${configDir}, ${cwd} and ${pathSeparator}.
// An unset environment variable expands to nothing. The first unknown or
// failing placeholder is reported and left in place.
func ResolveVariables(text string) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}

	var firstErr error
	out := placeholder.ReplaceAllStringFunc(text, func(match string) string {
		m := placeholder.FindStringSubmatch(match)
		name, arg := m[1], m[2]

		var (
			v   string
			err error
		)
		if name == "env" {
			v = os.Getenv(arg)
		} else if fn, ok := pathVariables[name]; ok && arg == "" {
			v, err = fn()
		} else {
			err = fmt.Errorf("unknown variable %s", match)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return v
	})
	return out, firstErr
}

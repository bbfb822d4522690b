// Package env loads dotenv files into the process environment and resolves
// command flags that fall back to environment variables.
package env

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/ramadanpath/offline/logger"
	"github.com/spf13/cobra"
)

// Line is one KEY=value assignment
type Line struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseFile parses a dotenv file. A missing file yields no lines.
func ParseFile(filename string) ([]Line, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return []Line{}, nil
		}
		return nil, err
	}
	return Parse(buf)
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// ParseLine splits KEY=value, dropping an "export " prefix and surrounding quotes
func ParseLine(line string) Line {
	line = strings.TrimPrefix(strings.TrimSpace(line), "export ")
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return Line{Key: strings.TrimSpace(key)}
	}
	return Line{Key: strings.TrimSpace(key), Val: unquote(strings.TrimSpace(val))}
}

var reference = regexp.MustCompile(`\$\{([^{}]*)\}`)

// interpolate expands ${NAME}, ${NAME:-default} and ${env:NAME}. Unresolved
// references without a default are kept as written.
func interpolate(val string, vars map[string]string) string {
	return reference.ReplaceAllStringFunc(val, func(ref string) string {
		inner := ref[2 : len(ref)-1]
		if inner == "" {
			return ref
		}
		name, def, _ := strings.Cut(inner, ":-")
		var v string
		if osName, ok := strings.CutPrefix(name, "env:"); ok {
			v = os.Getenv(osName)
		} else {
			v = vars[name]
		}
		switch {
		case v != "":
			return v
		case def != "":
			return def
		default:
			return ref
		}
	})
}

// Parse parses dotenv content. Blank lines and # comments are skipped; values may
// reference keys defined anywhere in the same content.
func Parse(buf []byte) ([]Line, error) {
	lines := []Line{}
	vars := make(map[string]string)
	for _, raw := range strings.Split(string(buf), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		l := ParseLine(raw)
		if l.Key == "" {
			continue
		}
		l.Val = interpolate(l.Val, vars)
		vars[l.Key] = l.Val
		lines = append(lines, l)
	}
	for i := range lines {
		lines[i].Val = interpolate(lines[i].Val, vars)
	}
	return lines, nil
}

// Load sets the variables of a dotenv file that are not already set and returns how many it set
func Load(filename string) (int, error) {
	lines, err := ParseFile(filename)
	if err != nil {
		return 0, fmt.Errorf("env file %s: %w", filename, err)
	}
	var n int
	for _, l := range lines {
		if _, ok := os.LookupEnv(l.Key); ok {
			continue
		}
		if err := os.Setenv(l.Key, l.Val); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// FlagOrEnv returns the flag value when set, else the environment value, else defaultValue
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	if flagValue, _ := cmd.Flags().GetString(flagName); flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	return defaultValue
}

// LogLevel reads --log-level, then RAMADAN_SW_LOG_LEVEL, then fallback
func LogLevel(cmd *cobra.Command, fallback string) logger.LogLevel {
	return logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.LevelEnv, fallback))
}

// NewLogger returns the logger selected by --log-format and --log-level with
// the configured values as fallbacks
func NewLogger(cmd *cobra.Command, format, level string) logger.Logger {
	log.SetFlags(0)
	return logger.New(FlagOrEnv(cmd, "log-format", "RAMADAN_SW_LOG_FORMAT", format), LogLevel(cmd, level))
}

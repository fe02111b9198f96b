package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// normalizeArgs moves flags ahead of positional arguments so that
// "clients kill alice --dead" parses --dead; the flag package otherwise stops
// at the first positional. A flag not registered as boolean takes the next
// argument as its value. "--" ends flag handling.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	takesValue := func(name string) bool {
		f := fs.Lookup(name)
		if f == nil {
			return true
		}
		bf, ok := f.Value.(interface{ IsBoolFlag() bool })
		return !ok || !bf.IsBoolFlag()
	}

	flags := make([]string, 0, len(args))
	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return append(append(flags, positional...), args[i+1:]...)
		case len(arg) < 2 || arg[0] != '-':
			positional = append(positional, arg)
		default:
			flags = append(flags, arg)
			name, _, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
			if !hasValue && takesValue(name) && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		}
	}
	return append(flags, positional...)
}

// splitIDs flattens positional args that may themselves be comma lists.
func splitIDs(args []string) []string {
	var out []string
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// CLIOutput writes either the human rendering or the JSON document of a
// result, never both.
type CLIOutput struct {
	jsonMode bool
	out      io.Writer
}

// NewCLIOutput writes to out, or stdout when out is nil.
func NewCLIOutput(jsonMode bool, out io.Writer) *CLIOutput {
	if out == nil {
		out = os.Stdout
	}
	return &CLIOutput{jsonMode: jsonMode, out: out}
}

func (c *CLIOutput) Print(human string, doc any) {
	if !c.jsonMode {
		fmt.Fprint(c.out, human)
		return
	}
	c.printJSON(doc)
}

// Error reports a failure using the same envelope as the HTTP API.
func (c *CLIOutput) Error(message, code string) {
	if !c.jsonMode {
		fmt.Fprintf(c.out, "%s %s\n", errorSymbol, message)
		return
	}
	c.printJSON(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func (c *CLIOutput) printJSON(doc any) {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		fmt.Fprintf(os.Stderr, "%s encode output: %v\n", errorSymbol, err)
	}
}

const (
	successSymbol = "✓"
	errorSymbol   = "✕"
)

// Codes carried in JSON error output.
const (
	ErrCodeUnreachable  = "UNREACHABLE"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeInvalidUsage = "INVALID_USAGE"
	ErrCodeServer       = "SERVER_ERROR"
)

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	errorColor = color.New(color.FgRed, color.Bold)
	nameColor  = color.New(color.FgCyan)
	dimColor   = color.New(color.FgHiBlack)
	warnColor  = color.New(color.FgYellow)
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
}

// ErrorText formats err for the terminal.
func ErrorText(err error) string {
	return errorColor.Sprint("error: ") + err.Error()
}

// printJSON writes v indented to w.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRawJSON re-indents raw JSON. Invalid input is written unchanged.
func printRawJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err := fmt.Fprintln(w, string(raw))
		return err
	}
	return printJSON(w, v)
}

func printHeader(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", nameColor.Sprint(label), value)
}

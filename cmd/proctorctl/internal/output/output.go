package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Format represents the output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses an output format string
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml":
		return FormatYAML
	default:
		return FormatTable
	}
}

// Row is implemented by results that can be printed as a table
type Row interface {
	Cells() []string
}

// Printer handles output formatting
type Printer struct {
	format Format
	out    io.Writer
}

// NewPrinter creates a printer writing to out
func NewPrinter(format Format, out io.Writer) *Printer {
	return &Printer{format: format, out: out}
}

// Format returns the printer format
func (p *Printer) Format() Format {
	return p.format
}

// Print prints data in the configured format. JSON and YAML encode data;
// tables are built from headers and rows.
func (p *Printer) Print(headers []string, data interface{}, rows []Row) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(p.out)
		defer enc.Close()
		return enc.Encode(data)
	case FormatTable:
		w := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(w, strings.Join(r.Cells(), "\t"))
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s", p.format)
	}
}

// FormatAge formats a time relative to now, "-" for the zero time
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// Dash returns s, or "-" when s is empty
func Dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

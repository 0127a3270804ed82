package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Output format constants.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// printStructured prints v as JSON or YAML according to --output.
func printStructured(w io.Writer, v any) error {
	switch flagOutput {
	case outputYAML:
		return printYAML(w, v)
	case outputJSON:
		return printJSON(w, v)
	default:
		return fmt.Errorf("unsupported output format %q", flagOutput)
	}
}

type tableWriter struct {
	w *tabwriter.Writer
}

func newTable(out io.Writer, headers ...string) *tableWriter {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	return &tableWriter{w: w}
}

func (t *tableWriter) AddRow(values ...string) {
	fmt.Fprintln(t.w, strings.Join(values, "\t"))
}

func (t *tableWriter) Flush() error {
	return t.w.Flush()
}

func printPagination(w io.Writer, total int64, page, perPage, totalPages int) {
	if total == 0 {
		fmt.Fprintln(w, "No resources found.")
		return
	}
	start := (page-1)*perPage + 1
	end := min(int64(page*perPage), total)
	fmt.Fprintf(w, "\nShowing %d-%d of %d results (page %d/%d)\n", start, end, total, page, totalPages)
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func ptrStr(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortTime(t string) string {
	if len(t) >= 19 {
		return t[:19]
	}
	return t
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

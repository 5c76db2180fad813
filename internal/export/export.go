// Package export renders a run and its results to files.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/batchwatch/pkg/types"
)

// Format names an output encoding.
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
	CSV  Format = "csv"
	Text Format = "text"
)

// Formats lists the supported formats.
var Formats = []Format{JSON, YAML, CSV, Text}

// ParseFormat accepts a format name, case-insensitively. "yml" and "txt" are
// accepted as aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	case "csv":
		return CSV, nil
	case "text", "txt":
		return Text, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// Document is the exported shape of a run.
type Document struct {
	Run      *types.Run           `json:"run" yaml:"run"`
	Category string               `json:"category,omitempty" yaml:"category,omitempty"`
	Results  []types.ResultRecord `json:"results" yaml:"results"`
}

// Write renders doc to w.
func Write(w io.Writer, format Format, doc Document) error {
	if doc.Run == nil {
		return fmt.Errorf("run is nil")
	}
	switch format {
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(yamlDocument(doc)); err != nil {
			return err
		}
		return enc.Close()
	case CSV:
		return writeCSV(w, doc.Results)
	case Text:
		return writeText(w, doc)
	}
	return fmt.Errorf("unsupported export format %q", format)
}

// WriteFile renders doc to path, creating parent directories.
func WriteFile(path string, format Format, doc Document) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, format, doc); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// yamlDocument mirrors Document with plain maps so run fields keep their
// snake_case names without yaml tags on types.Run.
func yamlDocument(doc Document) map[string]interface{} {
	run := map[string]interface{}{
		"id":           doc.Run.ID,
		"endpoint":     doc.Run.Endpoint,
		"profile":      doc.Run.Profile,
		"item_count":   doc.Run.ItemCount,
		"result_count": doc.Run.ResultCount,
		"state":        string(doc.Run.State),
		"stats": map[string]interface{}{
			"counts": doc.Run.Stats.Counts,
			"total":  doc.Run.Stats.Total,
		},
		"created_at": doc.Run.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": doc.Run.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if doc.Run.Reason != "" {
		run["reason"] = doc.Run.Reason
	}
	out := map[string]interface{}{
		"run":     run,
		"results": doc.Results,
	}
	if doc.Category != "" {
		out["category"] = doc.Category
	}
	return out
}

func writeCSV(w io.Writer, results []types.ResultRecord) error {
	keys := fieldKeys(results)
	cw := csv.NewWriter(w)
	header := append([]string{"id", "session_id", "item", "category", "received_at"}, keys...)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range results {
		row := []string{r.ID, r.SessionID, r.Item, r.Category, r.ReceivedAt.UTC().Format(time.RFC3339)}
		for _, k := range keys {
			row = append(row, cell(r.Fields[k]))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// fieldKeys returns the sorted union of top-level field names.
func fieldKeys(results []types.ResultRecord) []string {
	set := make(map[string]struct{})
	for _, r := range results {
		for k := range r.Fields {
			set[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}

func writeText(w io.Writer, doc Document) error {
	b := &strings.Builder{}
	run := doc.Run
	fmt.Fprintf(b, "Run %s (%s)\n", run.ID, run.Profile)
	fmt.Fprintf(b, "State: %s", run.State)
	if run.Reason != "" {
		fmt.Fprintf(b, " (%s)", run.Reason)
	}
	b.WriteString("\n")
	fmt.Fprintf(b, "Items: %d  Results: %d\n", run.ItemCount, run.ResultCount)
	b.WriteString(SummaryLine(run.Stats))
	b.WriteString("\n")
	if doc.Category != "" {
		fmt.Fprintf(b, "\n## %s\n", doc.Category)
	} else {
		b.WriteString("\n## results\n")
	}
	for _, r := range doc.Results {
		fmt.Fprintf(b, "- %s %s [%s]\n", r.ReceivedAt.UTC().Format(time.RFC3339), r.Item, r.Category)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// SummaryLine formats stats as "total=N a=1 b=2" with categories sorted.
func SummaryLine(s types.Stats) string {
	cats := make([]string, 0, len(s.Counts))
	for c := range s.Counts {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	b := &strings.Builder{}
	fmt.Fprintf(b, "total=%d", s.Total)
	for _, c := range cats {
		fmt.Fprintf(b, " %s=%d", c, s.Counts[c])
	}
	return b.String()
}

package input

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type itemsFile struct {
	Items []string `json:"items"`
}

// Parse reads batch items from filePath. Files ending in .json hold either a
// JSON array of strings or an object with an "items" array; anything else is
// read as one item per line. Format validation of the items themselves is the
// backend's concern.
func Parse(filePath string) ([]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(filePath), ".json") {
		return parseJSON(data)
	}
	return ParseLines(bytes.NewReader(data))
}

// ParseLines reads one item per line, skipping blank lines and lines
// starting with '#'. Duplicates are kept.
func ParseLines(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	items := make([]string, 0)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	return items, nil
}

func parseJSON(data []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(data)
	var raw []string
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var f itemsFile
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil, fmt.Errorf("parse items json: %w", err)
		}
		raw = f.Items
	} else if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("parse items json: %w", err)
	}
	items := make([]string, 0, len(raw))
	for _, it := range raw {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

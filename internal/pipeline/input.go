package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ReadURLs reads a batch input file. Text files hold one URL per line with
// "#" comments, CSV files need a "url" column, and JSON files hold an array
// of strings or of objects with a "url" field.
func ReadURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var urls []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		urls, err = readCSV(f)
	case ".json":
		urls, err = readJSON(f)
	default:
		urls, err = readLines(f)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return urls, nil
}

func readLines(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}

func readCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "url") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, errors.New("csv input has no url column")
	}
	var urls []string
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return urls, nil
		}
		if err != nil {
			return nil, err
		}
		if col < len(row) {
			if u := strings.TrimSpace(row[col]); u != "" {
				urls = append(urls, u)
			}
		}
	}
}

func readJSON(r io.Reader) ([]string, error) {
	var entries []json.RawMessage
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	urls := make([]string, 0, len(entries))
	for i, raw := range entries {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				urls = append(urls, s)
			}
			continue
		}
		var obj struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if u := strings.TrimSpace(obj.URL); u != "" {
			urls = append(urls, u)
		}
	}
	return urls, nil
}

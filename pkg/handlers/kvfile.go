package handlers

import (
	"bufio"
	"fmt"
	"strings"
)

// updateKVFile sets key to value in a "key = value" config file, keeping
// comments, blank lines and the order of existing keys. New keys are appended.
// It reports whether the content changed.
func updateKVFile(content, key, value string) (string, bool) {
	var lines []string
	found := false
	changed := false

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
			lines = append(lines, line)
			continue
		}

		k, v, ok := strings.Cut(trimmed, "=")
		if !ok || strings.TrimSpace(k) != key {
			lines = append(lines, line)
			continue
		}
		if found {
			// drop duplicates of the key
			changed = true
			continue
		}
		found = true
		if normalize(v) != normalize(value) {
			changed = true
		}
		lines = append(lines, fmt.Sprintf("%s = %s", key, value))
	}

	if !found {
		lines = append(lines, fmt.Sprintf("%s = %s", key, value))
		changed = true
	}
	return strings.Join(lines, "\n") + "\n", changed
}

// readKVFile parses "key = value" lines.
func readKVFile(content string) map[string]string {
	out := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}

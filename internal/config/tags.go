package config

import (
	"fmt"
	"strings"
)

// ParseTags parses static point tags from WriterConfig.Tags.
// Format: ["key=value", ...]
func ParseTags(entries []string) (map[string]string, error) {
	tags := make(map[string]string, len(entries))

	for _, entry := range entries {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid tag format: %s (expected 'key=value')", entry)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			return nil, fmt.Errorf("empty tag key in: %s", entry)
		}
		if value == "" {
			return nil, fmt.Errorf("empty tag value for key %s", key)
		}
		if _, dup := tags[key]; dup {
			return nil, fmt.Errorf("duplicate tag key: %s", key)
		}

		tags[key] = value
	}

	return tags, nil
}

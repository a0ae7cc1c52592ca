package sqlstore

import (
	"fmt"
	"strings"
)

func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}

	return sanitizeIdentifier(name)
}

// sanitizeIdentifier accepts dotted names made of letters, digits and underscores.
func sanitizeIdentifier(name string) (string, error) {
	parts := strings.Split(name, ".")
	for _, part := range parts {
		if part == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
		}
		for _, r := range part {
			if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				continue
			}

			return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
		}
	}

	return name, nil
}

// sanitizeColumns checks every non-empty column name.
func sanitizeColumns(columns ...string) error {
	for _, col := range columns {
		if col == "" {
			continue
		}
		if _, err := sanitizeIdentifier(col); err != nil {
			return err
		}
	}

	return nil
}

// quote renders s as a SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

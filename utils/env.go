package utils

import (
	"fmt"
	"os"
)

// GetEnv returns the value of an environment variable, or fallback when
// the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// CreateFolder creates a directory (and any missing parents) if it does
// not already exist.
func CreateFolder(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create folder %s: %v", path, err)
	}
	return nil
}

// FormatBytes renders a byte count in human units for log and summary
// output.
func FormatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// Package id provides unique identifiers for jobs and chains.
package id

import "github.com/google/uuid"

// Generate creates a new unique job ID.
// Format: job-<uuid v4>
func Generate() string {
	return "job-" + uuid.NewString()
}

// Chain creates a new unique chain ID.
// Format: chain-<uuid v4>
func Chain() string {
	return "chain-" + uuid.NewString()
}

// Valid reports whether s looks like an ID produced by this package.
func Valid(s string) bool {
	for _, prefix := range []string{"job-", "chain-"} {
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			_, err := uuid.Parse(s[len(prefix):])
			return err == nil
		}
	}
	return false
}

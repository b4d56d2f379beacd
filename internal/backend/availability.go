package backend

import "strings"

// Available returns a comma-separated list of the backends New accepts.
func Available() string {
	return strings.Join([]string{Auto, Reference, Parallel}, ",")
}

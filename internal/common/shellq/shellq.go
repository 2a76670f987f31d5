// Package shellq provides POSIX shell quoting for generated scripts. Every
// user-controlled string that crosses a shell boundary must go through Quote.
package shellq

import "strings"

// Quote wraps s in single quotes, escaping embedded single quotes so the
// result is safe to splice into a bash command line.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll quotes each argument and joins them with spaces.
func QuoteAll(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// NormalizeContainerPath ensures a container path is absolute.
func NormalizeContainerPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

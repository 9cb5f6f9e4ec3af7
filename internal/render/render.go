// Package render substitutes {{tag}} placeholders in text templates.
package render

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Pair is a single tag and its replacement value.
type Pair struct {
	Key   string
	Value any
}

// Context is an ordered set of tag replacements. Order matters only when a
// replacement value itself contains another tag.
type Context []Pair

// FromMap builds a Context from m. Map iteration order is random, so callers
// that care about ordering should build the Context directly.
func FromMap(m map[string]string) Context {
	c := make(Context, 0, len(m))
	for k, v := range m {
		c = append(c, Pair{Key: k, Value: v})
	}
	return c
}

// With returns a copy of c with key appended.
func (c Context) With(key string, value any) Context {
	out := make(Context, len(c), len(c)+1)
	copy(out, c)
	return append(out, Pair{Key: key, Value: value})
}

// String replaces every {{key}} in text with the stringified value for key.
// Tags without a context entry are left untouched.
func String(text string, ctx Context) string {
	for _, p := range ctx {
		text = strings.ReplaceAll(text, "{{"+p.Key+"}}", fmt.Sprint(p.Value))
	}
	return text
}

// Lines applies String to each line independently. The result has the same
// length and order as lines; lines itself is not modified.
func Lines(lines []string, ctx Context) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = String(line, ctx)
	}
	return out
}

// File renders the template at path in place.
//
// The file is rewritten directly, without a temp-file swap. A crash while
// writing can leave a truncated template behind; callers render into a fresh
// build directory so that a rerun of the build recovers.
func File(path string, ctx Context) error {
	lines, err := readLines(path)
	if err != nil {
		return fmt.Errorf("read template %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat template %s: %w", path, err)
	}
	rendered := Lines(lines, ctx)
	if err := os.WriteFile(path, []byte(strings.Join(rendered, "")), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write template %s: %w", path, err)
	}
	return nil
}

// readLines splits the file into lines keeping their terminators, so that
// joining the result reproduces the file byte for byte.
func readLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	r := bufio.NewReader(bytes.NewReader(b))
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			lines = append(lines, line)
		}
		if err != nil {
			break
		}
	}
	return lines, nil
}

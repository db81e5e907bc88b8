// Package scan locates wildcard-tolerant byte signatures inside a memory image.
package scan

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMatchCount is returned by Find when a pattern is not found exactly the
// expected number of times.
var ErrMatchCount = errors.New("unexpected match count")

// Pattern is an ordered sequence of bytes and wildcards. A pattern may carry a
// custom offset (written as "|" in the text form) that is added to every match
// so the resolved address points inside the matched fragment.
type Pattern struct {
	values []byte
	// wild[i] is set when position i matches any byte.
	wild   []bool
	offset int
}

// ParsePattern parses the text form used by the signature registry, e.g.
// "48 8B 05 ?? ?? ?? ?? | 48 8B D9". Tokens are separated by whitespace.
func ParsePattern(text string) (Pattern, error) {
	var p Pattern
	offsetSeen := false

	for _, tok := range strings.Fields(text) {
		switch {
		case tok == "|":
			if offsetSeen {
				return Pattern{}, fmt.Errorf("pattern %q: more than one offset marker", text)
			}
			offsetSeen = true
			p.offset = len(p.values)
		case tok == "?" || tok == "??":
			p.values = append(p.values, 0)
			p.wild = append(p.wild, true)
		default:
			v, err := strconv.ParseUint(tok, 16, 8)
			if err != nil || len(tok) != 2 {
				return Pattern{}, fmt.Errorf("pattern %q: invalid token %q", text, tok)
			}
			p.values = append(p.values, byte(v))
			p.wild = append(p.wild, false)
		}
	}

	if len(p.values) == 0 {
		return Pattern{}, fmt.Errorf("pattern %q: no bytes", text)
	}
	if p.wild[0] {
		return Pattern{}, fmt.Errorf("pattern %q: must not start with a wildcard", text)
	}
	return p, nil
}

// MustParsePattern is like ParsePattern but panics on error. Intended for
// package-level signature tables.
func MustParsePattern(text string) Pattern {
	p, err := ParsePattern(text)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) Len() int    { return len(p.values) }
func (p Pattern) Offset() int { return p.offset }

func (p Pattern) String() string {
	var sb strings.Builder
	for i, v := range p.values {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if i == p.offset && p.offset != 0 {
			sb.WriteString("| ")
		}
		if p.wild[i] {
			sb.WriteString("??")
		} else {
			fmt.Fprintf(&sb, "%02X", v)
		}
	}
	return sb.String()
}

// matchAt reports whether the pattern matches region at index i.
func (p Pattern) matchAt(region []byte, i int) bool {
	for j, v := range p.values {
		if !p.wild[j] && region[i+j] != v {
			return false
		}
	}
	return true
}

// Scan returns the absolute address of every match of p in region, where
// region[0] lives at base. The region is walked once, left to right.
func Scan(p Pattern, region []byte, base uintptr) []uintptr {
	var matches []uintptr
	if p.Len() == 0 {
		return matches
	}

	first := p.values[0]
	last := len(region) - p.Len()
	for i := 0; i <= last; {
		next := bytes.IndexByte(region[i:last+1], first)
		if next < 0 {
			break
		}
		i += next
		if p.matchAt(region, i) {
			matches = append(matches, base+uintptr(i+p.offset))
		}
		i++
	}
	return matches
}

// Find scans region and fails unless exactly expected matches are present.
func Find(p Pattern, region []byte, base uintptr, expected int) ([]uintptr, error) {
	matches := Scan(p, region, base)
	if len(matches) != expected {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrMatchCount, expected, len(matches))
	}
	return matches, nil
}

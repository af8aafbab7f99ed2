// Package version compares dot-separated numeric version strings the way the
// update checker needs: lexicographic over integer segments, missing trailing
// segments padded with zero.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Compare returns -1, 0 or 1 when a is less than, equal to or greater than b.
// Segments must be non-negative integers; anything else is an error so the
// caller can fail closed.
func Compare(a, b string) (int, error) {
	as, err := parse(a)
	if err != nil {
		return 0, err
	}
	bs, err := parse(b)
	if err != nil {
		return 0, err
	}
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		}
	}
	return 0, nil
}

// IsNewer reports whether latest is strictly newer than current. Malformed
// versions fail closed: the answer is false rather than an error, so one bad
// version string never blocks a batch.
func IsNewer(current, latest string) bool {
	c, err := Compare(latest, current)
	if err != nil {
		return false
	}
	return c > 0
}

func parse(v string) ([]int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("empty version string")
	}
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("non-numeric version segment %q in %q", p, v)
		}
		out[i] = n
	}
	return out, nil
}

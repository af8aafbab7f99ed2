package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected int
	}{
		{name: "equal", a: "1.2.3", b: "1.2.3", expected: 0},
		{name: "equal with padding", a: "1.2", b: "1.2.0", expected: 0},
		{name: "numeric not lexicographic", a: "1.10.0", b: "1.9.0", expected: 1},
		{name: "major wins", a: "2.0.0", b: "1.9.9", expected: 1},
		{name: "longer is newer", a: "1.2.0.1", b: "1.2", expected: 1},
		{name: "smaller", a: "0.9", b: "1.0", expected: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compare(tt.a, tt.b)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCompare_Malformed(t *testing.T) {
	_, err := Compare("1.2.x", "1.2.3")
	assert.Error(t, err)

	_, err = Compare("1.2.3", "")
	assert.Error(t, err)

	_, err = Compare("1.2.3-beta", "1.2.3")
	assert.Error(t, err)
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		name            string
		current, latest string
		expected        bool
	}{
		{name: "minor double digit", current: "1.9.0", latest: "1.10.0", expected: true},
		{name: "older major", current: "2.0.0", latest: "1.9.9", expected: false},
		{name: "padded equal", current: "1.2", latest: "1.2.0", expected: false},
		{name: "patch bump", current: "4.18.1", latest: "4.18.2", expected: true},
		{name: "same", current: "7.0.10", latest: "7.0.10", expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsNewer(tt.current, tt.latest))
		})
	}
}

// Malformed versions must fail closed so one bad string never blocks a
// batch: no update is reported and no error escapes.
func TestIsNewer_FailsClosed(t *testing.T) {
	assert.False(t, IsNewer("1.2.3", "not-a-version"))
	assert.False(t, IsNewer("1.x", "2.0.0"))
	assert.False(t, IsNewer("", "1.0.0"))
}

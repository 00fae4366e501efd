package duration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"PUSH", Push},
		{"PT1H", 3600},
		{"P1D", 86400},
		{"P1DT2H3M4S", 86400 + 2*3600 + 3*60 + 4},
		{"PT30M", 1800},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-a-duration")
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	cases := []struct {
		in   int
		want string
	}{
		{0, ""},
		{Push, "PUSH"},
		{3600, "PT1H"},
		{86400, "P1D"},
		{86400 + 2*3600 + 3*60 + 4, "P1DT2H3M4S"},
	}
	for _, c := range cases {
		got, err := Format(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestFormatRejectsOutOfRange(t *testing.T) {
	_, err := Format(2678400)
	assert.Error(t, err)

	_, err = Format(-2)
	assert.Error(t, err)
}

// TestRoundTrip exercises the round-trip law required of this pair:
// Parse(Format(n)) == n for every representable non-negative duration and
// for the PUSH sentinel.
func TestRoundTrip(t *testing.T) {
	values := []int{0, 1, 59, 60, 3599, 3600, 86400, 2678399, Push}
	for _, v := range values {
		s, err := Format(v)
		require.NoError(t, err)
		got, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, v, got, "round trip of %d via %q", v, s)
	}
}

package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMemory(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"256m", 256 * 1024 * 1024},
		{"2g", 2 * 1024 * 1024 * 1024},
		{"1048576", 1048576},
	}
	for _, tc := range cases {
		got, err := ParseMemory(tc.in)
		assert.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"abc", "-1m", "0g", "1.5g"} {
		_, err := ParseMemory(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseCPU(t *testing.T) {
	got, err := ParseCPU("0.5")
	assert.NoError(t, err)
	assert.Equal(t, int64(500000000), got)

	got, err = ParseCPU("2")
	assert.NoError(t, err)
	assert.Equal(t, int64(2000000000), got)

	got, err = ParseCPU("")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), got)

	for _, bad := range []string{"abc", "-1", "0"} {
		_, err := ParseCPU(bad)
		assert.Error(t, err, bad)
	}
}

package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBuffer_DropsOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 3; i++ {
		assert.False(t, r.Push(i))
	}
	assert.True(t, r.Push(4))
	assert.Equal(t, 3, r.Len())

	assert.Equal(t, []int{2, 3, 4}, r.Drain())
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Drain())

	r.Push(5)
	assert.Equal(t, []int{5}, r.Drain())
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"":                       "",
		" localhost:5000/ ":      "http://localhost:5000",
		"https://talkilla.test/": "https://talkilla.test",
		"http://a//":             "http://a",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeURL(in), in)
	}
}

func TestValidateNick(t *testing.T) {
	n, err := ValidateNick("  alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice", n)

	for _, bad := range []string{"", "   ", "a b", "a/b"} {
		_, err := ValidateNick(bad)
		assert.Error(t, err, bad)
	}
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "x.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 1}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))
	assert.Equal(t, "/abs", ResolvePath("base", "/abs"))
	assert.Equal(t, filepath.Join("base", "rel"), ResolvePath("base", "rel"))
}

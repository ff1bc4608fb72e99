package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadContent(t *testing.T) {
	got, err := readContent("literal content", strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "literal content", got)

	got, err = readContent("-", strings.NewReader("piped content\n"))
	require.NoError(t, err)
	assert.Equal(t, "piped content", got)
}

package gateway

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineConnRejectsOversizedLines(t *testing.T) {
	t.Parallel()
	input := "\n  {\"a\":1}  \n" + strings.Repeat("x", 100) + "\n{\"b\":2}\n"
	c := newLineConn(strings.NewReader(input), io.Discard, nil, 32)

	msg, readErr := c.ReadMessage()
	require.NoError(t, readErr)
	assert.Equal(t, `{"a":1}`, string(msg))

	_, readErr = c.ReadMessage()
	require.ErrorIs(t, readErr, bufio.ErrTooLong)
	assert.Contains(t, readErr.Error(), "exceeds 32 bytes")
}

func TestLineConnEndsWithEOF(t *testing.T) {
	t.Parallel()
	c := newLineConn(strings.NewReader("{}\n\n"), io.Discard, nil, maxMessageSize)

	msg, readErr := c.ReadMessage()
	require.NoError(t, readErr)
	assert.Equal(t, "{}", string(msg))

	_, readErr = c.ReadMessage()
	assert.ErrorIs(t, readErr, io.EOF)
}

package transport

import (
	"context"
	"testing"

	"serialdispatch/internal/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogTransportAlwaysSucceeds(t *testing.T) {
	tr := NewLogTransport(log.NewLogger())

	res, err := tr.Send(context.Background(), "alice", "hello")
	require.NoError(t, err)
	assert.Equal(t, Success, res)

	require.NoError(t, tr.Typing(context.Background(), "alice"))
}

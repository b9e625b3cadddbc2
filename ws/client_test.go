package ws

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSend(t *testing.T) {
	c := newClient(nil, "127.0.0.1", nil, nil, 1024, 2, hclog.NewNullLogger())
	require.NotEmpty(t, c.ID())

	require.NoError(t, c.Send([]byte("one")))
	require.NoError(t, c.Send([]byte("two")))
	assert.ErrorIs(t, c.Send([]byte("three")), ErrSendBufferFull)

	c.closeSend()
	c.closeSend()
	assert.ErrorIs(t, c.Send([]byte("four")), ErrClientClosed)

	var queued []string
	for frame := range c.send {
		queued = append(queued, string(frame))
	}
	assert.Equal(t, []string{"one", "two"}, queued)
}

func TestClientIDsAreUnique(t *testing.T) {
	a := newClient(nil, "127.0.0.1", nil, nil, 1024, 1, hclog.NewNullLogger())
	b := newClient(nil, "127.0.0.1", nil, nil, 1024, 1, hclog.NewNullLogger())
	assert.NotEqual(t, a.ID(), b.ID())
}

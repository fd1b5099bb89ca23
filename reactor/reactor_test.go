package reactor

import (
	"testing"

	"github.com/momentics/vox/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	cases := map[string]api.BackendType{
		"":         api.BackendAuto,
		"auto":     api.BackendAuto,
		"EPOLL":    api.BackendEpoll,
		"io_uring": api.BackendIOUring,
		"kqueue":   api.BackendKqueue,
		"iocp":     api.BackendIOCP,
		" select ": api.BackendSelect,
	}
	for in, want := range cases {
		got, err := ParseType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseType("devpoll")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestAutoBackend(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)
	defer b.Close()
	assert.NotEqual(t, api.BackendAuto, b.Type())
}

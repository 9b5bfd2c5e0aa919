package ports

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValid(t *testing.T) {
	assert.False(t, IsValid(0))
	assert.False(t, IsValid(-1))
	assert.False(t, IsValid(65536))
	assert.False(t, IsValid(99999))
	assert.True(t, IsValid(1))
	assert.True(t, IsValid(8080))
	assert.True(t, IsValid(65535))
}

func TestIsFreeDetectsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.False(t, IsFree(port), fmt.Sprintf("port %d is bound by the test listener", port))

	_ = ln.Close()
	assert.True(t, IsFree(port))
}

package portalloc

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
)

func occupiedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestFindAvailableReturnsFreePort(t *testing.T) {
	port := freePort(t)
	a := New(port, 1, false, nil)

	got, err := a.FindAvailable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, port, got)
}

func TestFindAvailableExhausted(t *testing.T) {
	port := occupiedPort(t)
	a := New(port, 1, false, nil)

	_, err := a.FindAvailable(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPortAllocationExhausted))
}

func TestFindAvailableSkipsHeldPorts(t *testing.T) {
	port := freePort(t)
	a := New(port, 1, true, nil)
	a.Holders = func(ctx context.Context, p int) ([]int, error) {
		return []int{4242}, nil
	}

	_, err := a.FindAvailable(context.Background())
	assert.True(t, errors.Is(err, domain.ErrPortAllocationExhausted))
}

func TestFindAvailableIgnoresUnavailableProcessCheck(t *testing.T) {
	port := freePort(t)
	a := New(port, 1, true, nil)
	a.Holders = func(ctx context.Context, p int) ([]int, error) {
		return nil, errors.New("lsof: not found")
	}

	got, err := a.FindAvailable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, port, got)
}

func TestFindAvailableHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(freePort(t), 10, false, nil).FindAvailable(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestParseLsofPIDs(t *testing.T) {
	assert.Equal(t, []int{123, 456}, parseLsofPIDs("123\n456\n"))
	assert.Nil(t, parseLsofPIDs(""))
}

func TestParseNetstatPIDs(t *testing.T) {
	out := "  TCP    0.0.0.0:5000    0.0.0.0:0    LISTENING    888\n" +
		"  TCP    0.0.0.0:5001    0.0.0.0:0    LISTENING    999\n" +
		"  TCP    127.0.0.1:5000  127.0.0.1:6000  ESTABLISHED  777\n"
	assert.Equal(t, []int{888}, parseNetstatPIDs(out, 5000))
}

package conn_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kschlieper/mongowire/conn"
)

// listenEcho starts a throwaway listener that accepts connections and
// leaves them open until the listener is closed, enough for exercising
// Pool's reserve/return/cap bookkeeping without speaking any protocol.
func listenEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 1024)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String()
}

func TestPoolReserveReturnReusesIdleConnection(t *testing.T) {
	addr := listenEcho(t)
	p := conn.NewPool(addr, 2)

	ctx := context.Background()
	c1, err := p.Reserve(ctx)
	require.NoError(t, err)
	p.Return(c1)
	require.Equal(t, 1, p.Len())

	c2, err := p.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, c1.ID(), c2.ID())
	require.Equal(t, 0, p.Len())
}

func TestPoolReserveBlocksAtCapacity(t *testing.T) {
	addr := listenEcho(t)
	p := conn.NewPool(addr, 1)

	ctx := context.Background()
	c1, err := p.Reserve(ctx)
	require.NoError(t, err)

	ctx2, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Reserve(ctx2)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.Return(c1)
}

func TestPoolDiscardsPoisonedConnectionOnReturn(t *testing.T) {
	addr := listenEcho(t)
	p := conn.NewPool(addr, 1)

	ctx := context.Background()
	c1, err := p.Reserve(ctx)
	require.NoError(t, err)

	_ = c1.Close()
	_, err = c1.ReadFrame(time.Now().Add(time.Second))
	require.Error(t, err)
	require.True(t, c1.Poisoned())

	p.Return(c1)
	require.Equal(t, 0, p.Len())

	c2, err := p.Reserve(ctx)
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c2.ID())
	p.Return(c2)
}

func TestPoolCloseRejectsFurtherReserve(t *testing.T) {
	addr := listenEcho(t)
	p := conn.NewPool(addr, 2)

	ctx := context.Background()
	c1, err := p.Reserve(ctx)
	require.NoError(t, err)
	p.Return(c1)

	p.Close()
	_, err = p.Reserve(ctx)
	require.ErrorIs(t, err, conn.ErrPoolClosed)
}

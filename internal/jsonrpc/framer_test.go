package jsonrpc_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/ovsdb-server/internal/jsonrpc"
)

func TestFramerSendRecvAcrossPipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	fa := jsonrpc.NewFramer(a, nil)
	fb := jsonrpc.NewFramer(b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fa.Run(ctx)
	go fb.Run(ctx)
	defer fa.Close()
	defer fb.Close()

	require.NoError(t, fa.Send(jsonrpc.NewRequest(json.RawMessage(`1`), "echo", []any{"hi"})))

	var got jsonrpc.Message
	require.Eventually(t, func() bool {
		msg, ok := fb.Recv()
		if !ok {
			return false
		}
		got = msg
		return true
	}, time.Second, time.Millisecond)

	require.Equal(t, jsonrpc.KindRequest, got.Kind)
	require.Equal(t, "echo", got.Method)
	require.Equal(t, []any{"hi"}, got.Params)
}

func TestFramerRecvFalseWhenEmpty(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	f := jsonrpc.NewFramer(a, nil)
	_, ok := f.Recv()
	require.False(t, ok)
}

func TestFramerBacklogReflectsQueuedSend(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	f := jsonrpc.NewFramer(a, nil)
	require.Equal(t, 0, f.Backlog())

	require.NoError(t, f.Send(jsonrpc.NewNotify("update", []any{"x"})))
	require.Positive(t, f.Backlog())
}

func TestFramerSendAfterCloseFails(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	f := jsonrpc.NewFramer(a, nil)
	require.NoError(t, f.Close())
	err := f.Send(jsonrpc.NewNotify("update", nil))
	require.ErrorIs(t, err, jsonrpc.ErrClosed)
}

func TestFramerRunReturnsOnClose(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	f := jsonrpc.NewFramer(a, nil)
	done := make(chan struct{})
	go func() {
		f.Run(context.Background())
		close(done)
	}()

	require.NoError(t, f.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestFramerOnDecodeErrorForUnclassifiedMessage(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	errs := make(chan error, 4)
	f := jsonrpc.NewFramer(a, func(err error) { errs <- err })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)
	defer f.Close()

	enc := json.NewEncoder(b)
	require.NoError(t, enc.Encode(map[string]any{}))

	select {
	case err := <-errs:
		require.ErrorIs(t, err, jsonrpc.ErrUnclassified)
	case <-time.After(time.Second):
		t.Fatal("onDecodeError was not invoked")
	}

	// The reader loop keeps running past an unclassifiable message.
	require.NoError(t, enc.Encode(map[string]any{"id": "1", "method": "echo", "params": []any{}}))
	var got jsonrpc.Message
	require.Eventually(t, func() bool {
		msg, ok := f.Recv()
		if !ok {
			return false
		}
		got = msg
		return true
	}, time.Second, time.Millisecond)
	require.Equal(t, "echo", got.Method)
}

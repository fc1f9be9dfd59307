package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/streambus/amqp/internal/fake"
	"github.com/streambus/amqp/internal/frames"
)

// basicConnResponder handles the protocol handshake and clean shutdown.
func basicConnResponder(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
	switch req.(type) {
	case *fake.AMQPProto:
		return fake.ProtoHeader(fake.ProtoAMQP)
	case *frames.PerformOpen:
		return fake.PerformOpen("container")
	case *frames.PerformClose:
		return fake.PerformClose(nil)
	default:
		return nil, fmt.Errorf("unhandled frame %T", req)
	}
}

func TestConnOpenClose(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	netConn := fake.NewNetConn(basicConnResponder)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	conn, err := NewConn(ctx, netConn, nil)
	cancel()
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.NoError(t, conn.Err())

	require.NoError(t, conn.Close())

	select {
	case <-conn.Done():
	default:
		t.Fatal("expected Done to be closed after Close")
	}
}

func TestConnCloseIdempotent(t *testing.T) {
	netConn := fake.NewNetConn(basicConnResponder)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	conn, err := NewConn(ctx, netConn, nil)
	cancel()
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	// closing an already-closed connection returns the same result
	require.NoError(t, conn.Close())
}

func TestConnOpenError(t *testing.T) {
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return nil, errors.New("mock write failed")
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := fake.NewNetConn(responder)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	conn, err := NewConn(ctx, netConn, nil)
	cancel()
	require.Error(t, err)
	require.Nil(t, conn)
}

func TestConnBadProtoHeader(t *testing.T) {
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			// wrong protocol ID
			return fake.ProtoHeader(fake.ProtoSASL)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := fake.NewNetConn(responder)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	conn, err := NewConn(ctx, netConn, nil)
	cancel()
	require.Error(t, err)
	require.Nil(t, conn)
}

func TestConnRemoteClose(t *testing.T) {
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		case *frames.PerformClose:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := fake.NewNetConn(responder)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	conn, err := NewConn(ctx, netConn, nil)
	cancel()
	require.NoError(t, err)

	// peer closes the connection with an error
	b, err := fake.PerformClose(&Error{Condition: ErrCondConnectionForced, Description: "bye"})
	require.NoError(t, err)
	netConn.SendFrame(b)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection to terminate")
	}

	var connErr *ConnError
	require.True(t, errors.As(conn.Err(), &connErr))
	require.NotNil(t, connErr.RemoteErr)
	require.Equal(t, ErrCondConnectionForced, connErr.RemoteErr.Condition)
}

func TestConnKeepAlives(t *testing.T) {
	var keepAlives int64
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			// peer requires a frame at least every 100ms
			return fake.PerformOpenWithOpts(fake.PerformOpenOpts{
				ContainerID: "container",
				IdleTimeout: 100 * time.Millisecond,
			})
		case *fake.KeepAliveFrame:
			atomic.AddInt64(&keepAlives, 1)
			return nil, nil
		case *frames.PerformClose:
			return fake.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := fake.NewNetConn(responder)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	conn, err := NewConn(ctx, netConn, nil)
	cancel()
	require.NoError(t, err)

	// empty frames are emitted at up to half the peer's idle timeout
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&keepAlives) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.GreaterOrEqual(t, atomic.LoadInt64(&keepAlives), int64(2))

	require.NoError(t, conn.Close())
}

func TestConnLocalIdleTimeout(t *testing.T) {
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		default:
			// silence: no more frames from the peer
			return nil, nil
		}
	}
	netConn := fake.NewNetConn(responder)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	conn, err := NewConn(ctx, netConn, &ConnOptions{
		IdleTimeout: 100 * time.Millisecond,
	})
	cancel()
	require.NoError(t, err)

	// without inbound traffic for 2x the idle timeout the connection fails
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for idle timeout")
	}

	var amqpErr *Error
	require.True(t, errors.As(conn.Err(), &amqpErr))
	require.Equal(t, ErrCondResourceLimitExceeded, amqpErr.Condition)
}

func TestConnLargeFrameRejected(t *testing.T) {
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		default:
			return nil, nil
		}
	}
	netConn := fake.NewNetConn(responder)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	conn, err := NewConn(ctx, netConn, &ConnOptions{MaxFrameSize: 512})
	cancel()
	require.NoError(t, err)

	// a frame advertising a size larger than our negotiated max is fatal
	netConn.SendFrame([]byte{0x00, 0x01, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00})

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection failure")
	}

	var amqpErr *Error
	require.True(t, errors.As(conn.Err(), &amqpErr))
	require.Equal(t, ErrCondFramingError, amqpErr.Condition)
}

func TestConnInvalidOptions(t *testing.T) {
	_, err := newConn(nil, &ConnOptions{MaxFrameSize: 128})
	require.Error(t, err)
}

func TestConnMaxSessions(t *testing.T) {
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		case *frames.PerformBegin:
			return fake.PerformBegin(0, remoteChannel)
		case *frames.PerformClose:
			return fake.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := fake.NewNetConn(responder)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	conn, err := NewConn(ctx, netConn, &ConnOptions{MaxSessions: 1})
	cancel()
	require.NoError(t, err)

	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	session, err := conn.NewSession(ctx, nil)
	cancel()
	require.NoError(t, err)
	require.NotNil(t, session)

	// channel-max is zero, so only one session fits
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	_, err = conn.NewSession(ctx, nil)
	cancel()
	require.Error(t, err)

	require.NoError(t, conn.Close())
}

package amqp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streambus/amqp/internal/encoding"
	"github.com/streambus/amqp/internal/fake"
	"github.com/streambus/amqp/internal/frames"
)

// sendInitialFlowFrame simulates the peer granting credit to a sender link.
func sendInitialFlowFrame(t *testing.T, netConn *fake.NetConn, channel uint16, handle uint32, credit uint32) {
	t.Helper()
	nextIncomingID := uint32(0)
	deliveryCount := uint32(0)
	b, err := fake.PerformFlow(channel, &frames.PerformFlow{
		NextIncomingID: &nextIncomingID,
		IncomingWindow: 1000,
		NextOutgoingID: 1,
		OutgoingWindow: 1000,
		Handle:         &handle,
		DeliveryCount:  &deliveryCount,
		LinkCredit:     &credit,
	})
	require.NoError(t, err)
	netConn.SendFrame(b)
}

// senderResponder builds a responder for the common sender scenarios.
// onTransfer is invoked for every transfer frame received.
func senderResponder(mode encoding.SenderSettleMode, onTransfer func(*frames.PerformTransfer) ([]byte, error)) func(uint16, frames.FrameBody) ([]byte, error) {
	return func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		case *frames.PerformBegin:
			return fake.PerformBegin(0, remoteChannel)
		case *frames.PerformAttach:
			return fake.SenderAttach(0, tt.Name, 0, mode)
		case *frames.PerformTransfer:
			return onTransfer(tt)
		case *frames.PerformDetach:
			return fake.PerformDetach(0, 0, nil)
		case *frames.PerformEnd:
			return fake.PerformEnd(0, nil)
		case *frames.PerformClose:
			return fake.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
}

// openSender establishes a conn, session, and sender over the fake conn.
func openSender(t *testing.T, netConn *fake.NetConn, connOpts *ConnOptions, senderOpts *SenderOptions) (*Conn, *Sender) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := NewConn(ctx, netConn, connOpts)
	require.NoError(t, err)

	session, err := conn.NewSession(ctx, nil)
	require.NoError(t, err)

	snd, err := session.NewSender(ctx, "target", senderOpts)
	require.NoError(t, err)

	return conn, snd
}

func TestSenderInvalidOptions(t *testing.T) {
	netConn := fake.NewNetConn(senderResponder(SenderSettleModeUnsettled, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := NewConn(ctx, netConn, nil)
	require.NoError(t, err)

	session, err := conn.NewSession(ctx, nil)
	require.NoError(t, err)

	snd, err := session.NewSender(ctx, "target", &SenderOptions{
		SettlementMode: SenderSettleMode(3).Ptr(),
	})
	require.Error(t, err)
	require.Nil(t, snd)

	require.NoError(t, conn.Close())
}

func TestSenderSendAccepted(t *testing.T) {
	responder := senderResponder(SenderSettleModeUnsettled, func(tt *frames.PerformTransfer) ([]byte, error) {
		return fake.PerformDisposition(encoding.RoleReceiver, 0, *tt.DeliveryID, nil, &encoding.StateAccepted{})
	})
	netConn := fake.NewNetConn(responder)

	conn, snd := openSender(t, netConn, nil, nil)
	defer func() { require.NoError(t, conn.Close()) }()

	sendInitialFlowFrame(t, netConn, 0, 0, 100)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tracker, err := snd.Send(ctx, NewMessage([]byte("hello")), nil)
	require.NoError(t, err)

	require.NoError(t, tracker.AwaitAccepted(ctx))
	require.True(t, tracker.RemoteSettled())
	require.IsType(t, &DeliveryStateAccepted{}, tracker.RemoteState())
}

func TestSenderSendSettled(t *testing.T) {
	var gotUnsettled int64
	responder := senderResponder(SenderSettleModeSettled, func(tt *frames.PerformTransfer) ([]byte, error) {
		if !tt.Settled {
			atomic.AddInt64(&gotUnsettled, 1)
		}
		// settled deliveries receive no disposition
		return nil, nil
	})
	netConn := fake.NewNetConn(responder)

	conn, snd := openSender(t, netConn, nil, &SenderOptions{
		SettlementMode: SenderSettleModeSettled.Ptr(),
	})
	defer func() { require.NoError(t, conn.Close()) }()

	sendInitialFlowFrame(t, netConn, 0, 0, 100)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tracker, err := snd.Send(ctx, NewMessage([]byte("hello")), nil)
	require.NoError(t, err)

	// settlement completes without any round trip
	require.NoError(t, tracker.AwaitSettlement(ctx))
	require.True(t, tracker.RemoteSettled())
	require.Zero(t, atomic.LoadInt64(&gotUnsettled))
}

func TestSenderSendRejected(t *testing.T) {
	responder := senderResponder(SenderSettleModeUnsettled, func(tt *frames.PerformTransfer) ([]byte, error) {
		return fake.PerformDisposition(encoding.RoleReceiver, 0, *tt.DeliveryID, nil, &encoding.StateRejected{
			Error: &Error{Condition: ErrCondNotAllowed, Description: "rejected"},
		})
	})
	netConn := fake.NewNetConn(responder)

	conn, snd := openSender(t, netConn, nil, nil)
	defer func() { require.NoError(t, conn.Close()) }()

	sendInitialFlowFrame(t, netConn, 0, 0, 100)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tracker, err := snd.Send(ctx, NewMessage([]byte("hello")), nil)
	require.NoError(t, err)

	err = tracker.AwaitAccepted(ctx)
	var stateErr *DeliveryStateError
	require.True(t, errors.As(err, &stateErr))
	rejected, ok := stateErr.State.(*DeliveryStateRejected)
	require.True(t, ok)
	require.Equal(t, ErrCondNotAllowed, rejected.Error.Condition)

	// the delivery still settled
	require.True(t, tracker.RemoteSettled())
}

func TestSenderSendMultiTransfer(t *testing.T) {
	var (
		transferCount int64
		payloadBytes  int64
	)
	inner := senderResponder(SenderSettleModeUnsettled, func(tt *frames.PerformTransfer) ([]byte, error) {
		atomic.AddInt64(&transferCount, 1)
		atomic.AddInt64(&payloadBytes, int64(len(tt.Payload)))
		if tt.More {
			return nil, nil
		}
		return fake.PerformDisposition(encoding.RoleReceiver, 0, 0, nil, &encoding.StateAccepted{})
	})
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		// a small max frame size from the peer forces the message
		// across multiple transfers
		if _, ok := req.(*frames.PerformOpen); ok {
			return fake.PerformOpenWithOpts(fake.PerformOpenOpts{
				ContainerID:  "container",
				MaxFrameSize: 512,
			})
		}
		return inner(remoteChannel, req)
	}
	netConn := fake.NewNetConn(responder)

	conn, snd := openSender(t, netConn, nil, nil)
	defer func() { require.NoError(t, conn.Close()) }()

	sendInitialFlowFrame(t, netConn, 0, 0, 100)

	payload := bytes.Repeat([]byte("A"), 3000)
	msg := NewMessage(payload)
	expected, err := msg.MarshalBinary()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tracker, err := snd.Send(ctx, msg, nil)
	require.NoError(t, err)
	require.NoError(t, tracker.AwaitAccepted(ctx))

	require.Greater(t, atomic.LoadInt64(&transferCount), int64(1))
	require.EqualValues(t, len(expected), atomic.LoadInt64(&payloadBytes))
}

func TestSenderSendTagTooBig(t *testing.T) {
	responder := senderResponder(SenderSettleModeUnsettled, func(tt *frames.PerformTransfer) ([]byte, error) {
		return nil, nil
	})
	netConn := fake.NewNetConn(responder)

	conn, snd := openSender(t, netConn, nil, nil)
	defer func() { require.NoError(t, conn.Close()) }()

	sendInitialFlowFrame(t, netConn, 0, 0, 100)

	msg := NewMessage([]byte("hello"))
	msg.DeliveryTag = bytes.Repeat([]byte{0}, maxDeliveryTagLength+1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := snd.Send(ctx, msg, nil)
	require.Error(t, err)
}

func TestSenderSendNoCreditTimesOut(t *testing.T) {
	responder := senderResponder(SenderSettleModeUnsettled, func(tt *frames.PerformTransfer) ([]byte, error) {
		return nil, nil
	})
	netConn := fake.NewNetConn(responder)

	conn, snd := openSender(t, netConn, nil, nil)
	defer func() { require.NoError(t, conn.Close()) }()

	// no flow frame was sent, so there's no credit; the send must block
	// until the context expires
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := snd.Send(ctx, NewMessage([]byte("hello")), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSenderAttachRefused(t *testing.T) {
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		case *frames.PerformBegin:
			return fake.PerformBegin(0, remoteChannel)
		case *frames.PerformAttach:
			// refusal: an attach with no source or target followed by
			// a closing detach carrying the error
			refusal, err := fake.LinkRefusal(0, tt.Name, 0)
			if err != nil {
				return nil, err
			}
			detach, err := fake.PerformDetach(0, 0, &encoding.Error{
				Condition:   "amqp:not-found",
				Description: "no such node",
			})
			if err != nil {
				return nil, err
			}
			return append(refusal, detach...), nil
		case *frames.PerformDetach:
			return nil, nil
		case *frames.PerformEnd:
			return fake.PerformEnd(0, nil)
		case *frames.PerformClose:
			return fake.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := fake.NewNetConn(responder)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := NewConn(ctx, netConn, nil)
	require.NoError(t, err)

	session, err := conn.NewSession(ctx, nil)
	require.NoError(t, err)

	snd, err := session.NewSender(ctx, "target", nil)
	require.Nil(t, snd)

	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr))
	require.NotNil(t, linkErr.RemoteErr)
	require.Equal(t, ErrCond("amqp:not-found"), linkErr.RemoteErr.Condition)

	require.NoError(t, conn.Close())
}

func TestSenderSendOnClosed(t *testing.T) {
	responder := senderResponder(SenderSettleModeUnsettled, func(tt *frames.PerformTransfer) ([]byte, error) {
		return nil, nil
	})
	netConn := fake.NewNetConn(responder)

	conn, snd := openSender(t, netConn, nil, nil)
	defer func() { require.NoError(t, conn.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, snd.Close(ctx))

	_, err := snd.Send(ctx, NewMessage([]byte("hello")), nil)
	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr))
}

func TestSenderCloseIdempotent(t *testing.T) {
	responder := senderResponder(SenderSettleModeUnsettled, func(tt *frames.PerformTransfer) ([]byte, error) {
		return nil, nil
	})
	netConn := fake.NewNetConn(responder)

	conn, snd := openSender(t, netConn, nil, nil)
	defer func() { require.NoError(t, conn.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, snd.Close(ctx))
	require.NoError(t, snd.Close(ctx))
}

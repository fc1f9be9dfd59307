package amqp

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streambus/amqp/internal/encoding"
	"github.com/streambus/amqp/internal/fake"
	"github.com/streambus/amqp/internal/frames"
)

// receiverResponder builds a responder for the common receiver scenarios.
// onFlow is invoked for every link flow frame received (can be nil).
func receiverResponder(mode encoding.ReceiverSettleMode, onFlow func(*frames.PerformFlow) ([]byte, error)) func(uint16, frames.FrameBody) ([]byte, error) {
	return func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		case *frames.PerformBegin:
			return fake.PerformBegin(0, remoteChannel)
		case *frames.PerformAttach:
			return fake.ReceiverAttach(0, tt.Name, 0, mode, nil)
		case *frames.PerformFlow:
			if tt.Handle != nil && onFlow != nil {
				return onFlow(tt)
			}
			return nil, nil
		case *frames.PerformDisposition:
			return nil, nil
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

// waitForValue polls cond until it's satisfied or the wait times out.
func waitForValue(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if !time.Now().Before(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// openReceiver establishes a conn, session, and receiver over the fake conn.
func openReceiver(t *testing.T, netConn *fake.NetConn, opts *ReceiverOptions) (*Conn, *Receiver) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := NewConn(ctx, netConn, nil)
	require.NoError(t, err)

	session, err := conn.NewSession(ctx, nil)
	require.NoError(t, err)

	r, err := session.NewReceiver(ctx, "source", opts)
	require.NoError(t, err)

	return conn, r
}

func TestReceiverReceiveModeFirst(t *testing.T) {
	responder := receiverResponder(ReceiverSettleModeFirst, func(flow *frames.PerformFlow) ([]byte, error) {
		// first grant of credit: deliver a message
		if *flow.LinkCredit > 0 && *flow.DeliveryCount == 0 {
			return fake.PerformTransfer(0, 0, 0, []byte("hello"))
		}
		return nil, nil
	})
	netConn := fake.NewNetConn(responder)

	conn, r := openReceiver(t, netConn, &ReceiverOptions{Credit: 10})
	defer func() { require.NoError(t, conn.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := r.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), msg.GetData())
	require.Equal(t, 1, r.countUnsettled())

	require.NoError(t, r.AcceptMessage(ctx, msg))
	require.Zero(t, r.countUnsettled())

	// accepting an already-settled message is a no-op
	require.NoError(t, r.AcceptMessage(ctx, msg))
}

func TestReceiverAutoAccept(t *testing.T) {
	responder := receiverResponder(ReceiverSettleModeFirst, func(flow *frames.PerformFlow) ([]byte, error) {
		if *flow.LinkCredit > 0 && *flow.DeliveryCount == 0 {
			return fake.PerformTransfer(0, 0, 0, []byte("hello"))
		}
		return nil, nil
	})
	netConn := fake.NewNetConn(responder)

	conn, r := openReceiver(t, netConn, &ReceiverOptions{Credit: 10, AutoAccept: true})
	defer func() { require.NoError(t, conn.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := r.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), msg.GetData())

	// the accepted disposition was applied before the message was returned
	require.True(t, msg.settled)
	require.Zero(t, r.countUnsettled())
}

func TestReceiverMultiFrameDelivery(t *testing.T) {
	// the reassembled payload equals the byte concatenation of the
	// transfer payload slices, in order
	full, err := NewMessage([]byte("AAAAABBBBBCCCCC")).MarshalBinary()
	require.NoError(t, err)
	third := len(full) / 3

	var flowCount int64
	responder := receiverResponder(ReceiverSettleModeFirst, func(flow *frames.PerformFlow) ([]byte, error) {
		atomic.AddInt64(&flowCount, 1)
		return nil, nil
	})
	netConn := fake.NewNetConn(responder)

	conn, r := openReceiver(t, netConn, &ReceiverOptions{Credit: 10})
	defer func() { require.NoError(t, conn.Close()) }()

	// the delivery arrives across three transfer frames
	b, err := fake.PerformTransferChunk(fake.MultiTransferOpts{Handle: 0, DeliveryID: 0, First: true, More: true, Payload: full[:third]})
	require.NoError(t, err)
	netConn.SendFrame(b)

	b, err = fake.PerformTransferChunk(fake.MultiTransferOpts{Handle: 0, More: true, Payload: full[third : 2*third]})
	require.NoError(t, err)
	netConn.SendFrame(b)

	b, err = fake.PerformTransferChunk(fake.MultiTransferOpts{Handle: 0, Payload: full[2*third:]})
	require.NoError(t, err)
	netConn.SendFrame(b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := r.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("AAAAABBBBBCCCCC"), msg.GetData())

	// with a window of 10 no additional credit is due; exactly one
	// flow (the initial window) is issued
	waitForValue(t, func() bool { return atomic.LoadInt64(&flowCount) == 1 })
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt64(&flowCount))
}

func TestReceiverAbortedDelivery(t *testing.T) {
	responder := receiverResponder(ReceiverSettleModeFirst, nil)
	netConn := fake.NewNetConn(responder)

	conn, r := openReceiver(t, netConn, &ReceiverOptions{Credit: 10})
	defer func() { require.NoError(t, conn.Close()) }()

	// the first frame of the delivery, then an abort
	b, err := fake.PerformTransferChunk(fake.MultiTransferOpts{Handle: 0, DeliveryID: 0, First: true, More: true, Payload: []byte("X")})
	require.NoError(t, err)
	netConn.SendFrame(b)

	b, err = fake.PerformTransferChunk(fake.MultiTransferOpts{Handle: 0, Aborted: true})
	require.NoError(t, err)
	netConn.SendFrame(b)

	// no delivery surfaces
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	_, err = r.Receive(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the engine continues to operate: a new delivery picks up at the
	// next incoming ID (the aborted delivery consumed two transfer frames)
	b, err = fake.PerformTransfer(0, 0, 2, []byte("recovered"))
	require.NoError(t, err)
	netConn.SendFrame(b)

	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := r.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("recovered"), msg.GetData())
}

func TestReceiverCreditWindowReplenish(t *testing.T) {
	// window of 2: after both deliveries are consumed the link credit
	// reaches zero and one replenishing flow tops it back up
	var (
		flows      int64
		lastCredit uint32
	)
	responder := receiverResponder(ReceiverSettleModeFirst, func(flow *frames.PerformFlow) ([]byte, error) {
		n := atomic.AddInt64(&flows, 1)
		atomic.StoreUint32(&lastCredit, *flow.LinkCredit)
		if n == 1 {
			// deliver two messages back to back
			first, err := fake.PerformTransfer(0, 0, 0, []byte("one"))
			if err != nil {
				return nil, err
			}
			second, err := fake.PerformTransfer(0, 0, 1, []byte("two"))
			if err != nil {
				return nil, err
			}
			return append(first, second...), nil
		}
		return nil, nil
	})
	netConn := fake.NewNetConn(responder)

	conn, r := openReceiver(t, netConn, &ReceiverOptions{Credit: 2, AutoAccept: true})
	defer func() { require.NoError(t, conn.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := r.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), msg.GetData())

	msg, err = r.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), msg.GetData())

	// wait until the window is fully replenished
	waitForValue(t, func() bool { return atomic.LoadUint32(&lastCredit) == 2 && atomic.LoadInt64(&flows) >= 2 })
}

func TestReceiverIssueCreditWithWindowFails(t *testing.T) {
	responder := receiverResponder(ReceiverSettleModeFirst, nil)
	netConn := fake.NewNetConn(responder)

	conn, r := openReceiver(t, netConn, &ReceiverOptions{Credit: 10})
	defer func() { require.NoError(t, conn.Close()) }()

	require.Error(t, r.IssueCredit(1))
}

func TestReceiverManualCreditAndDrain(t *testing.T) {
	var sawDrain int64
	responder := receiverResponder(ReceiverSettleModeFirst, func(flow *frames.PerformFlow) ([]byte, error) {
		if flow.Drain {
			atomic.AddInt64(&sawDrain, 1)
			// echo the drain with the credit zeroed out
			deliveryCount := uint32(0)
			if flow.DeliveryCount != nil {
				deliveryCount = *flow.DeliveryCount + *flow.LinkCredit
			}
			zero := uint32(0)
			handle := uint32(0)
			nextIncoming := uint32(0)
			return fake.PerformFlow(0, &frames.PerformFlow{
				NextIncomingID: &nextIncoming,
				IncomingWindow: 1000,
				NextOutgoingID: 1,
				OutgoingWindow: 1000,
				Handle:         &handle,
				DeliveryCount:  &deliveryCount,
				LinkCredit:     &zero,
				Drain:          true,
			})
		}
		return nil, nil
	})
	netConn := fake.NewNetConn(responder)

	conn, r := openReceiver(t, netConn, &ReceiverOptions{Credit: -1})
	defer func() { require.NoError(t, conn.Close()) }()

	require.NoError(t, r.IssueCredit(5))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Drain(ctx))
	require.EqualValues(t, 1, atomic.LoadInt64(&sawDrain))

	// a second drain is legal once the first completed
	require.NoError(t, r.Drain(ctx))
}

func TestReceiverModeSecondAccept(t *testing.T) {
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return fake.ProtoHeader(fake.ProtoAMQP)
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		case *frames.PerformBegin:
			return fake.PerformBegin(0, remoteChannel)
		case *frames.PerformAttach:
			return fake.ReceiverAttach(0, tt.Name, 0, ReceiverSettleModeSecond, nil)
		case *frames.PerformFlow:
			if tt.Handle != nil && *tt.DeliveryCount == 0 && *tt.LinkCredit > 0 {
				return fake.PerformTransfer(0, 0, 0, []byte("hello"))
			}
			return nil, nil
		case *frames.PerformDisposition:
			// the receiver's unsettled disposition; confirm settlement
			return fake.PerformDisposition(encoding.RoleSender, 0, tt.First, tt.Last, nil)
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
	netConn := fake.NewNetConn(responder)

	conn, r := openReceiver(t, netConn, &ReceiverOptions{
		Credit:         10,
		SettlementMode: ReceiverSettleModeSecond.Ptr(),
	})
	defer func() { require.NoError(t, conn.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := r.Receive(ctx)
	require.NoError(t, err)

	// AcceptMessage blocks until the sender confirms settlement
	require.NoError(t, r.AcceptMessage(ctx, msg))
	require.True(t, msg.settled)
}

func TestReceiverRemoteDetach(t *testing.T) {
	inner := receiverResponder(ReceiverSettleModeFirst, nil)
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		// the only detach we receive here is the client's ack of ours
		if _, ok := req.(*frames.PerformDetach); ok {
			return nil, nil
		}
		return inner(remoteChannel, req)
	}
	netConn := fake.NewNetConn(responder)

	conn, r := openReceiver(t, netConn, &ReceiverOptions{Credit: 10})
	defer func() { require.NoError(t, conn.Close()) }()

	// peer closes the link with an error
	b, err := fake.PerformDetach(0, 0, &encoding.Error{
		Condition:   "amqp:link:detach-forced",
		Description: "administrative action",
	})
	require.NoError(t, err)
	netConn.SendFrame(b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = r.Receive(ctx)
	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	require.NotNil(t, linkErr.RemoteErr)
	require.Equal(t, ErrCond("amqp:link:detach-forced"), linkErr.RemoteErr.Condition)
}

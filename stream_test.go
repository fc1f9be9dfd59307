package amqp

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streambus/amqp/internal/encoding"
	"github.com/streambus/amqp/internal/fake"
	"github.com/streambus/amqp/internal/frames"
)

func TestStreamSenderChunksPayload(t *testing.T) {
	var (
		transferCount int64
		payloadBytes  int64
		moreFrames    int64
	)
	inner := senderResponder(SenderSettleModeUnsettled, func(tt *frames.PerformTransfer) ([]byte, error) {
		atomic.AddInt64(&transferCount, 1)
		atomic.AddInt64(&payloadBytes, int64(len(tt.Payload)))
		if tt.More {
			atomic.AddInt64(&moreFrames, 1)
			return nil, nil
		}
		return fake.PerformDisposition(encoding.RoleReceiver, 0, 0, nil, &encoding.StateAccepted{})
	})
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
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

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := snd.NewStream(ctx)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("B"), 1500)
	n, err := stream.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	require.Nil(t, stream.Tracker())
	require.NoError(t, stream.Close())

	tracker := stream.Tracker()
	require.NotNil(t, tracker)
	require.NoError(t, tracker.AwaitAccepted(ctx))

	// the payload plus data-section framing spans multiple frames
	require.Greater(t, atomic.LoadInt64(&transferCount), int64(1))
	require.Greater(t, atomic.LoadInt64(&moreFrames), int64(0))
	require.Greater(t, atomic.LoadInt64(&payloadBytes), int64(len(payload)))
}

func TestStreamSenderWriteAfterClose(t *testing.T) {
	responder := senderResponder(SenderSettleModeUnsettled, func(tt *frames.PerformTransfer) ([]byte, error) {
		if tt.More {
			return nil, nil
		}
		return fake.PerformDisposition(encoding.RoleReceiver, 0, 0, nil, &encoding.StateAccepted{})
	})
	netConn := fake.NewNetConn(responder)

	conn, snd := openSender(t, netConn, nil, nil)
	defer func() { require.NoError(t, conn.Close()) }()

	sendInitialFlowFrame(t, netConn, 0, 0, 100)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := snd.NewStream(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	_, err = stream.Write([]byte("late"))
	require.Error(t, err)

	// closing twice is a no-op
	require.NoError(t, stream.Close())
}

func TestStreamReceiver(t *testing.T) {
	responder := receiverResponder(ReceiverSettleModeFirst, nil)
	netConn := fake.NewNetConn(responder)

	conn, r := openReceiver(t, netConn, &ReceiverOptions{Credit: 10})
	defer func() { require.NoError(t, conn.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := r.ReceiveStream(ctx)
	require.NoError(t, err)

	// only one streaming receive may be active
	_, err = r.ReceiveStream(ctx)
	require.Error(t, err)

	// the payload arrives in three transfer frames
	b, err := fake.PerformTransferChunk(fake.MultiTransferOpts{Handle: 0, DeliveryID: 0, First: true, More: true, Payload: []byte("AAAAA")})
	require.NoError(t, err)
	netConn.SendFrame(b)

	b, err = fake.PerformTransferChunk(fake.MultiTransferOpts{Handle: 0, More: true, Payload: []byte("BBBBB")})
	require.NoError(t, err)
	netConn.SendFrame(b)

	b, err = fake.PerformTransferChunk(fake.MultiTransferOpts{Handle: 0, Payload: []byte("CCCCC")})
	require.NoError(t, err)
	netConn.SendFrame(b)

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, []byte("AAAAABBBBBCCCCC"), got)

	require.NotNil(t, stream.Message())
}

func TestStreamReceiverAborted(t *testing.T) {
	responder := receiverResponder(ReceiverSettleModeFirst, nil)
	netConn := fake.NewNetConn(responder)

	conn, r := openReceiver(t, netConn, &ReceiverOptions{Credit: 10})
	defer func() { require.NoError(t, conn.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := r.ReceiveStream(ctx)
	require.NoError(t, err)

	b, err := fake.PerformTransferChunk(fake.MultiTransferOpts{Handle: 0, DeliveryID: 0, First: true, More: true, Payload: []byte("X")})
	require.NoError(t, err)
	netConn.SendFrame(b)

	b, err = fake.PerformTransferChunk(fake.MultiTransferOpts{Handle: 0, Aborted: true})
	require.NoError(t, err)
	netConn.SendFrame(b)

	buf := make([]byte, 16)
	var readErr error
	for readErr == nil {
		_, readErr = stream.Read(buf)
	}
	require.ErrorIs(t, readErr, errDeliveryAborted)
}

func TestStreamSenderAbort(t *testing.T) {
	var aborted int64
	inner := senderResponder(SenderSettleModeUnsettled, func(tt *frames.PerformTransfer) ([]byte, error) {
		if tt.Aborted {
			atomic.AddInt64(&aborted, 1)
		}
		return nil, nil
	})
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
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

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := snd.NewStream(ctx)
	require.NoError(t, err)

	// enough to force a frame onto the wire
	payload := bytes.Repeat([]byte("C"), 1500)
	_, err = stream.Write(payload)
	require.NoError(t, err)

	require.NoError(t, stream.Abort())

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&aborted) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.EqualValues(t, 1, atomic.LoadInt64(&aborted))

	_, err = stream.Write([]byte("nope"))
	require.Error(t, err)
}

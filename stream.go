package amqp

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/streambus/amqp/internal/buffer"
	"github.com/streambus/amqp/internal/encoding"
	"github.com/streambus/amqp/internal/frames"
)

var errDeliveryAborted = errors.New("amqp: delivery aborted")

// StreamSender streams the body of a single message across multiple
// transfer frames, allowing message payloads larger than the negotiated
// max frame size, or payloads whose size isn't known up front, to be
// sent without buffering the entire message in memory.
//
// Each Write is framed as a data section.  Writes are buffered until a
// full frame's worth of payload is available; Close flushes the
// remainder and marks the final transfer frame.
//
// A StreamSender is not safe for concurrent use, and its parent Sender
// must not be used to send other messages until the stream is closed
// or aborted.
type StreamSender struct {
	s   *Sender
	ctx context.Context

	mu          sync.Mutex
	buf         buffer.Buffer
	chunkSize   int64
	deliveryTag []byte
	format      uint32
	frameSent   bool // at least one transfer frame has been sent
	closed      bool
	tracker     *Tracker
}

// NewStream starts streaming a single message across multiple transfer frames.
//   - ctx is captured and applied to every write on the returned stream
//
// The message is not complete until Close is called.
func (s *Sender) NewStream(ctx context.Context) (*StreamSender, error) {
	select {
	case <-s.l.done:
		return nil, s.l.doneErr
	default:
	}

	s.mu.Lock()
	deliveryTag := make([]byte, 8)
	for i := 0; i < 8; i++ {
		deliveryTag[i] = byte(s.nextDeliveryTag >> (56 - 8*i))
	}
	s.nextDeliveryTag++
	s.mu.Unlock()

	return &StreamSender{
		s:           s,
		ctx:         ctx,
		chunkSize:   int64(s.l.session.conn.peerMaxFrameSize) - maxTransferFrameHeader,
		deliveryTag: deliveryTag,
	}, nil
}

// Write appends p to the message body as a data section, transmitting
// transfer frames as full frames of payload become available.
func (ss *StreamSender) Write(p []byte) (int, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.closed {
		return 0, errors.New("amqp: write on closed stream")
	}

	encoding.WriteDescriptor(&ss.buf, encoding.TypeCodeApplicationData)
	if err := encoding.WriteBinary(&ss.buf, p); err != nil {
		return 0, err
	}

	for int64(ss.buf.Len()) >= ss.chunkSize {
		if err := ss.flush(true); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

// Close flushes any buffered payload, marks the final transfer frame,
// and completes the message.  The delivery's settlement can be observed
// through Tracker.
func (ss *StreamSender) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.closed {
		return nil
	}

	// the final frame carries whatever payload remains, possibly none
	if err := ss.flush(false); err != nil {
		return err
	}
	ss.closed = true
	return nil
}

// Abort discards the in-progress message by marking the delivery aborted.
// The peer will discard any payload already received.
func (ss *StreamSender) Abort() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.closed {
		return errors.New("amqp: abort on closed stream")
	}
	ss.closed = true

	if !ss.frameSent {
		// nothing on the wire, nothing to abort
		return nil
	}

	fr := frames.PerformTransfer{
		Handle:  ss.s.l.handle,
		Aborted: true,
	}
	select {
	case ss.s.transfers <- fr:
		return nil
	case <-ss.s.l.done:
		return ss.s.l.doneErr
	case <-ss.ctx.Done():
		return ss.ctx.Err()
	}
}

// Tracker returns the delivery's Tracker.
// It returns nil until the stream has been closed.
func (ss *StreamSender) Tracker() *Tracker {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.tracker
}

// flush sends one transfer frame. more indicates that further frames follow.
// must be called with ss.mu held.
func (ss *StreamSender) flush(more bool) error {
	var payload []byte
	size := int64(ss.buf.Len())
	if more && size > ss.chunkSize {
		size = ss.chunkSize
	}
	chunk, _ := ss.buf.Next(size)
	payload = append([]byte(nil), chunk...)
	if ss.buf.Len() == 0 {
		ss.buf.Reset()
	}

	fr := frames.PerformTransfer{
		Handle:  ss.s.l.handle,
		Payload: payload,
		More:    more,
	}
	if !ss.frameSent {
		fr.DeliveryTag = ss.deliveryTag
		fr.MessageFormat = &ss.format
	}
	senderSettled := senderSettleModeValue(ss.s.l.senderSettleMode) == SenderSettleModeSettled
	if !more {
		fr.Settled = senderSettled
		fr.Done = make(chan encoding.DeliveryState, 1)
	}

	select {
	case ss.s.transfers <- fr:
	case <-ss.s.l.done:
		return ss.s.l.doneErr
	case <-ss.ctx.Done():
		return ss.ctx.Err()
	}

	ss.frameSent = true
	if !more {
		ss.tracker = &Tracker{
			sender:      ss.s,
			done:        fr.Done,
			sendSettled: senderSettled,
		}
	}
	return nil
}

// StreamReceiver reads a single incoming delivery's payload as the
// transfer frames arrive, without waiting for the complete delivery.
//
// Read returns io.EOF once the final transfer frame has been consumed,
// or an error if the delivery was aborted.
type StreamReceiver struct {
	r *Receiver

	chunks chan []byte
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	msg *Message
	err error

	cur []byte // remainder of the current chunk
}

// ReceiveStream registers a streaming read for the next incoming delivery.
//
// The stream must be registered before the delivery's first transfer
// frame arrives; deliveries already buffered by the Receiver are
// returned through Receive, not the stream.
func (r *Receiver) ReceiveStream(ctx context.Context) (*StreamReceiver, error) {
	select {
	case <-r.l.done:
		return nil, r.l.doneErr
	default:
	}

	r.streamMu.Lock()
	defer r.streamMu.Unlock()
	if r.stream != nil {
		return nil, errors.New("amqp: a streaming receive is already in progress")
	}

	stream := &StreamReceiver{
		r:      r,
		chunks: make(chan []byte, 32),
		closed: make(chan struct{}),
	}
	r.stream = stream
	return stream, nil
}

// Read copies the next available payload bytes into p.
func (sr *StreamReceiver) Read(p []byte) (int, error) {
	for len(sr.cur) == 0 {
		select {
		case chunk, ok := <-sr.chunks:
			if !ok {
				sr.mu.Lock()
				err := sr.err
				sr.mu.Unlock()
				if err != nil {
					return 0, err
				}
				return 0, io.EOF
			}
			sr.cur = chunk
		case <-sr.r.l.done:
			return 0, sr.r.l.doneErr
		}
	}

	n := copy(p, sr.cur)
	sr.cur = sr.cur[n:]
	return n, nil
}

// Close abandons the stream. Any undelivered payload is discarded.
func (sr *StreamReceiver) Close() error {
	sr.once.Do(func() { close(sr.closed) })
	sr.r.clearStream()
	return nil
}

// Message returns the delivery's envelope once the stream has been
// fully read, or nil before then.  Use it to apply a disposition to
// the delivery.
func (sr *StreamReceiver) Message() *Message {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.msg
}

// push hands a payload chunk to the reader. Called from the receiver mux.
func (sr *StreamReceiver) push(p []byte) {
	if len(p) == 0 {
		return
	}
	select {
	case sr.chunks <- p:
	case <-sr.closed:
	}
}

// complete marks the final transfer frame as received.
func (sr *StreamReceiver) complete(msg *Message) {
	sr.mu.Lock()
	m := *msg
	m.receiver = sr.r
	sr.msg = &m
	sr.mu.Unlock()
	close(sr.chunks)
}

// fail terminates the stream with err.
func (sr *StreamReceiver) fail(err error) {
	sr.mu.Lock()
	sr.err = err
	sr.mu.Unlock()
	close(sr.chunks)
}

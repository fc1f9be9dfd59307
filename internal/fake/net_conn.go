package fake

import (
	"errors"
	"math"
	"net"
	"os"
	"time"

	"github.com/streambus/amqp/internal/buffer"
	"github.com/streambus/amqp/internal/encoding"
	"github.com/streambus/amqp/internal/frames"
)

// NewNetConn creates a new instance of NetConn.
// Responder is invoked by Write when a frame is received.
// Return a nil slice/nil error to swallow the frame.
// Return a non-nil error to simulate a write error.
// The remoteChannel is the channel on which the frame was received;
// echo it back when building Begin responses.
func NewNetConn(resp func(remoteChannel uint16, fr frames.FrameBody) ([]byte, error)) *NetConn {
	return &NetConn{
		resp:      resp,
		readClose: make(chan struct{}),
		// the conn sets a read deadline before every read; this is
		// just a safety net for tests that read without one.
		readDL: time.NewTimer(time.Hour),
		// during shutdown, connReader can close before connWriter as they both
		// return on Close being called, so there is some non-determinism here.
		// this means that sometimes writes can still happen but there's no
		// reader to consume them.  we use a buffered channel to prevent these
		// writes from blocking shutdown. the size was arbitrarily picked.
		readData: make(chan []byte, 10),
	}
}

// NetConn is a fake network connection that satisfies the net.Conn interface.
type NetConn struct {
	// OnClose is called by Close before it returns (can be nil).
	OnClose func() error

	resp      func(uint16, frames.FrameBody) ([]byte, error)
	readDL    *time.Timer
	readData  chan []byte
	readClose chan struct{}
	closed    bool
	pending   []byte // bytes left over from a previous read that didn't fit in the caller's buffer
}

// SendFrame sends the encoded frame to the client as if the peer
// had originated it.  Use it for peer-initiated performatives.
func (n *NetConn) SendFrame(b []byte) {
	n.readData <- b
}

///////////////////////////////////////////////////////
// following methods are for the net.Conn interface
///////////////////////////////////////////////////////

// NOTE: Read, Write, and Close are all called by separate goroutines!

// Read is invoked by conn.connReader to receive frame data.
// It blocks until Write or Close are called, or the read
// deadline expires which will return an error.
func (n *NetConn) Read(b []byte) (int, error) {
	select {
	case <-n.readClose:
		return 0, errors.New("fake connection was closed")
	default:
		// not closed yet
	}

	// serve any bytes left over from a previous read before waiting
	// on new data; a real net.Conn never discards unread bytes.
	if len(n.pending) > 0 {
		nn := copy(b, n.pending)
		n.pending = n.pending[nn:]
		return nn, nil
	}

	select {
	case <-n.readClose:
		return 0, errors.New("fake connection was closed")
	case <-n.readDL.C:
		return 0, os.ErrDeadlineExceeded
	case rd := <-n.readData:
		nn := copy(b, rd)
		if nn < len(rd) {
			n.pending = rd[nn:]
		}
		return nn, nil
	}
}

// Write is invoked by conn.connWriter when we're being sent frame
// data.  Every call to Write will invoke the responder callback that
// must reply with one of three possibilities.
//  1. an encoded frame and nil error
//  2. a non-nil error to simulate a write failure
//  3. a nil slice and nil error indicating the frame should be ignored
func (n *NetConn) Write(b []byte) (int, error) {
	select {
	case <-n.readClose:
		return 0, errors.New("fake connection was closed")
	default:
		// not closed yet
	}

	remoteChannel, frame, err := decodeFrame(b)
	if err != nil {
		return 0, err
	}
	resp, err := n.resp(remoteChannel, frame)
	if err != nil {
		return 0, err
	}
	if resp != nil {
		n.readData <- resp
	}
	return len(b), nil
}

// Close is called when the conn's mux exits or its startup fails.
func (n *NetConn) Close() error {
	if n.closed {
		return errors.New("double close")
	}
	n.closed = true
	close(n.readClose)
	if n.OnClose != nil {
		return n.OnClose()
	}
	return nil
}

func (n *NetConn) LocalAddr() net.Addr {
	return &net.IPAddr{
		IP: net.IPv4(127, 0, 0, 2),
	}
}

func (n *NetConn) RemoteAddr() net.Addr {
	return &net.IPAddr{
		IP: net.IPv4(127, 0, 0, 2),
	}
}

func (n *NetConn) SetDeadline(t time.Time) error {
	return errors.New("not used")
}

func (n *NetConn) SetReadDeadline(t time.Time) error {
	// called by conn.connReader before calling Read
	// stop the last timer if available
	if n.readDL != nil && !n.readDL.Stop() {
		select {
		case <-n.readDL.C:
		default:
		}
	}
	n.readDL = time.NewTimer(time.Until(t))
	return nil
}

func (n *NetConn) SetWriteDeadline(t time.Time) error {
	// called by conn.connWriter before calling Write
	return nil
}

///////////////////////////////////////////////////////
///////////////////////////////////////////////////////

// ProtoID indicates the type of protocol (copied from conn.go)
type ProtoID uint8

const (
	ProtoAMQP ProtoID = 0x0
	ProtoTLS  ProtoID = 0x2
	ProtoSASL ProtoID = 0x3
)

// ProtoHeader returns the initial handshake frame.
// This frame, and PerformOpen, are needed when opening a connection.
func ProtoHeader(id ProtoID) ([]byte, error) {
	return []byte{'A', 'M', 'Q', 'P', byte(id), 1, 0, 0}, nil
}

// PerformOpen returns a PerformOpen frame with the specified container ID.
// This frame, and ProtoHeader, are needed when opening a connection.
func PerformOpen(containerID string) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, 0, &frames.PerformOpen{
		ContainerID:  containerID,
		MaxFrameSize: math.MaxUint32,
		ChannelMax:   65535,
	})
}

// PerformOpenOpts is used to customize a peer Open response.
type PerformOpenOpts struct {
	ContainerID  string
	MaxFrameSize uint32
	ChannelMax   uint16
	IdleTimeout  time.Duration
}

// PerformOpenWithOpts returns a PerformOpen frame built from opts.
func PerformOpenWithOpts(opts PerformOpenOpts) ([]byte, error) {
	maxFrame := opts.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = math.MaxUint32
	}
	channelMax := opts.ChannelMax
	if channelMax == 0 {
		channelMax = 65535
	}
	return EncodeFrame(frames.TypeAMQP, 0, &frames.PerformOpen{
		ContainerID:  opts.ContainerID,
		MaxFrameSize: maxFrame,
		ChannelMax:   channelMax,
		IdleTimeout:  opts.IdleTimeout,
	})
}

// PerformBegin returns a PerformBegin frame with the specified channels.
// This frame is needed when making a call to Conn.NewSession().
func PerformBegin(channel, remoteChannel uint16) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformBegin{
		RemoteChannel:  &remoteChannel,
		NextOutgoingID: 0,
		IncomingWindow: 5000,
		OutgoingWindow: 1000,
		HandleMax:      math.MaxInt16,
	})
}

// PerformEnd returns a PerformEnd frame with an optional error.
func PerformEnd(channel uint16, e *encoding.Error) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformEnd{Error: e})
}

// SenderAttach returns a PerformAttach frame. This frame completes the
// attach of a locally created Sender (so the peer's role is receiver).
func SenderAttach(channel uint16, linkName string, linkHandle uint32, mode encoding.SenderSettleMode) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleReceiver,
		Target: &frames.Target{
			Address:      "test",
			Durable:      encoding.DurabilityNone,
			ExpiryPolicy: encoding.ExpiryPolicySessionEnd,
		},
		SenderSettleMode: &mode,
		MaxMessageSize:   math.MaxUint32,
	})
}

// ReceiverAttach returns a PerformAttach frame. This frame completes the
// attach of a locally created Receiver (so the peer's role is sender).
func ReceiverAttach(channel uint16, linkName string, linkHandle uint32, mode encoding.ReceiverSettleMode, filter encoding.Filter) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleSender,
		Source: &frames.Source{
			Address:      "test",
			Durable:      encoding.DurabilityNone,
			ExpiryPolicy: encoding.ExpiryPolicySessionEnd,
			Filter:       filter,
		},
		ReceiverSettleMode: &mode,
		MaxMessageSize:     math.MaxUint32,
	})
}

// LinkRefusal returns a PerformAttach frame with no source or target,
// indicating the peer refused the attach.  The closing detach that
// follows it is a separate frame (see PerformDetach).
func LinkRefusal(channel uint16, linkName string, linkHandle uint32) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleReceiver,
	})
}

// PerformTransfer returns a PerformTransfer frame that delivers payload
// wrapped in a single data section.
func PerformTransfer(channel uint16, linkHandle, deliveryID uint32, payload []byte) ([]byte, error) {
	format := uint32(0)
	payloadBuf := &buffer.Buffer{}
	encoding.WriteDescriptor(payloadBuf, encoding.TypeCodeApplicationData)
	if err := encoding.WriteBinary(payloadBuf, payload); err != nil {
		return nil, err
	}
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformTransfer{
		Handle:        linkHandle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("tag"),
		MessageFormat: &format,
		Payload:       payloadBuf.Detach(),
	})
}

// MultiTransferOpts is used to customize a multi-frame transfer.
type MultiTransferOpts struct {
	Channel    uint16
	Handle     uint32
	DeliveryID uint32
	More       bool
	Aborted    bool
	First      bool
	Payload    []byte
}

// PerformTransferChunk returns one frame of a multi-frame delivery.
// The payload bytes are sent as-is (no section framing is applied).
func PerformTransferChunk(opts MultiTransferOpts) ([]byte, error) {
	fr := &frames.PerformTransfer{
		Handle:  opts.Handle,
		More:    opts.More,
		Aborted: opts.Aborted,
		Payload: opts.Payload,
	}
	if opts.First {
		format := uint32(0)
		deliveryID := opts.DeliveryID
		fr.DeliveryID = &deliveryID
		fr.DeliveryTag = []byte("tag")
		fr.MessageFormat = &format
	}
	return EncodeFrame(frames.TypeAMQP, opts.Channel, fr)
}

// PerformDisposition returns a PerformDisposition frame with the specified values.
// The first delivery ID MUST match the deliveryID value specified in PerformTransfer.
func PerformDisposition(role encoding.Role, channel uint16, first uint32, last *uint32, state encoding.DeliveryState) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformDisposition{
		Role:    role,
		First:   first,
		Last:    last,
		Settled: true,
		State:   state,
	})
}

// PerformDetach returns a PerformDetach frame with an optional error.
func PerformDetach(channel uint16, linkHandle uint32, e *encoding.Error) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformDetach{
		Handle: linkHandle,
		Closed: true,
		Error:  e,
	})
}

// PerformClose returns a PerformClose frame with an optional error.
func PerformClose(e *encoding.Error) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, 0, &frames.PerformClose{Error: e})
}

// PerformFlow returns a link Flow frame from the peer.
func PerformFlow(channel uint16, fr *frames.PerformFlow) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, fr)
}

// KeepAlive returns an empty frame.
func KeepAlive() ([]byte, error) {
	return []byte{0, 0, 0, 8, 2, 0, 0, 0}, nil
}

// AMQPProto is the frame type passed to the responder for the initial protocol handshake.
type AMQPProto struct {
	frames.FrameBody
}

// KeepAliveFrame is the frame type passed to the responder for keep-alive frames.
type KeepAliveFrame struct {
	frames.FrameBody
}

// EncodeFrame encodes fr as a frame of type t on the given channel.
func EncodeFrame(t frames.Type, channel uint16, fr frames.FrameBody) ([]byte, error) {
	buf := &buffer.Buffer{}
	if err := frames.Write(buf, frames.Frame{
		Type:    t,
		Channel: channel,
		Body:    fr,
	}); err != nil {
		return nil, err
	}
	return buf.Detach(), nil
}

func decodeFrame(b []byte) (uint16, frames.FrameBody, error) {
	if len(b) > 3 && b[0] == 'A' && b[1] == 'M' && b[2] == 'Q' && b[3] == 'P' {
		return 0, &AMQPProto{}, nil
	}
	buf := buffer.New(b)
	header, err := frames.ParseHeader(buf)
	if err != nil {
		return 0, nil, err
	}
	bodySize := int64(header.Size - frames.HeaderSize)
	if bodySize == 0 {
		// keep alive frame
		return header.Channel, &KeepAliveFrame{}, nil
	}
	// parse the frame
	b, ok := buf.Next(bodySize)
	if !ok {
		return 0, nil, errors.New("invalid frame body")
	}
	body, err := frames.ParseBody(buffer.New(b))
	return header.Channel, body, err
}

package amqp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streambus/amqp/internal/buffer"
	"github.com/streambus/amqp/internal/debug"
	"github.com/streambus/amqp/internal/encoding"
	"github.com/streambus/amqp/internal/frames"
)

// SenderOptions contains the optional settings for configuring an AMQP sender.
type SenderOptions struct {
	// Capabilities is the list of extension capabilities the sender supports.
	Capabilities []string

	// Durability indicates what state of the sender will be retained durably.
	//
	// Default: DurabilityNone.
	Durability Durability

	// DynamicAddress indicates a dynamic address is to be used.
	// Any specified address will be ignored.
	//
	// Default: false.
	DynamicAddress bool

	// ExpiryPolicy determines when the expiry timer of the sender starts counting
	// down from the timeout value.  If the link is subsequently re-attached before
	// the timeout is reached, the count down is aborted.
	//
	// Default: ExpiryPolicySessionEnd.
	ExpiryPolicy ExpiryPolicy

	// ExpiryTimeout is the duration in seconds that the sender will be retained.
	//
	// Default: 0.
	ExpiryTimeout uint32

	// Name sets the name of the link.
	//
	// Link names must be unique per-connection and direction.
	//
	// Default: randomly generated.
	Name string

	// Properties sets an entry in the link properties map sent to the server.
	Properties map[string]any

	// RequestedReceiverSettleMode sets the requested receiver settlement mode.
	//
	// If a settlement mode is explicitly requested and the server does not
	// honor it an error will be returned during link attachment.
	//
	// Default: Accept the settlement mode set by the server.
	RequestedReceiverSettleMode *ReceiverSettleMode

	// SettlementMode sets the settlement mode in use by this sender.
	//
	// Default: SenderSettleModeMixed.
	SettlementMode *SenderSettleMode

	// SourceAddress specifies the source address for this sender.
	SourceAddress string

	// TargetCapabilities is the list of extension capabilities the sender desires.
	TargetCapabilities []string

	// TargetDurability indicates what state of the peer will be retained durably.
	//
	// Default: DurabilityNone.
	TargetDurability Durability

	// TargetExpiryPolicy determines when the expiry timer of the peer starts
	// counting down from the timeout value.
	//
	// Default: ExpiryPolicySessionEnd.
	TargetExpiryPolicy ExpiryPolicy

	// TargetExpiryTimeout is the duration in seconds that the peer will be retained.
	//
	// Default: 0.
	TargetExpiryTimeout uint32
}

// SendOptions contains any optional values for the Sender.Send method.
type SendOptions struct {
	// Settled sets the settled flag on the transfer when the sender is
	// in SenderSettleModeMixed, requesting the delivery be pre-settled.
	//
	// It is an error to set this when the sender is in SenderSettleModeUnsettled.
	Settled bool
}

// maxTransferFrameHeader is the maximum over-the-wire size of a Transfer
// frame's header and mandatory fields; used when splitting message payload
// across multiple transfer frames.
const maxTransferFrameHeader = 66

// maxDeliveryTagLength is the maximum length of a delivery tag in bytes.
const maxDeliveryTagLength = 32

// Sender sends messages on a single AMQP link.
type Sender struct {
	l         link
	transfers chan frames.PerformTransfer // sender uses to send transfer frames

	mu              sync.Mutex // protects buf and nextDeliveryTag
	buf             buffer.Buffer
	nextDeliveryTag uint64

	// The link credit remaining from the receiver's last flow frame. It is decremented
	// for each message sent, and transfers are only taken while it is above zero.
	availableCredit uint32
}

// LinkName returns the name of the link used for this Sender.
func (s *Sender) LinkName() string {
	return s.l.key.name
}

// MaxMessageSize is the maximum size of a single message.
func (s *Sender) MaxMessageSize() uint64 {
	return s.l.maxMessageSize
}

// Address returns the link's address.
func (s *Sender) Address() string {
	if s.l.target == nil {
		return ""
	}
	return s.l.target.Address
}

// Close closes the Sender and AMQP link.
//   - ctx controls waiting for the peer to acknowledge the close
//
// If the context's deadline expires or is cancelled before the operation
// completes, an error is returned.  However, the operation will continue to
// execute in the background.  Subsequent calls will return a *LinkError
// that contains the previously encountered error.
func (s *Sender) Close(ctx context.Context) error {
	return s.l.closeLink(ctx)
}

// Send sends a message.
//
// Blocks until the link has available credit and the message has been
// handed to the network layer, ctx completes, or an error occurs.
// The returned Tracker is used to observe and await the delivery's
// settlement by the peer.
//
// Send is safe for concurrent use.
func (s *Sender) Send(ctx context.Context, msg *Message, opts *SendOptions) (*Tracker, error) {
	// check if the link is dead.  while it's safe to call s.send
	// in this case, this will avoid some allocations etc.
	select {
	case <-s.l.done:
		return nil, s.l.doneErr
	default:
		// link is still active
	}
	done, settled, err := s.send(ctx, msg, opts)
	if err != nil {
		return nil, err
	}

	return &Tracker{
		sender:      s,
		done:        done,
		sendSettled: settled,
	}, nil
}

// send is separated from Send so that the mutex unlock can be deferred without
// holding it while the caller awaits settlement.
func (s *Sender) send(ctx context.Context, msg *Message, opts *SendOptions) (chan encoding.DeliveryState, bool, error) {
	if len(msg.DeliveryTag) > maxDeliveryTagLength {
		return nil, false, fmt.Errorf("delivery tag is over the allowed %v bytes, len: %v", maxDeliveryTagLength, len(msg.DeliveryTag))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	err := msg.Marshal(&s.buf)
	if err != nil {
		return nil, false, err
	}

	if s.l.maxMessageSize != 0 && uint64(s.buf.Len()) > s.l.maxMessageSize {
		return nil, false, fmt.Errorf("encoded message size exceeds max of %d", s.l.maxMessageSize)
	}

	senderSettled := senderSettleModeValue(s.l.senderSettleMode) == SenderSettleModeSettled
	if opts != nil && opts.Settled {
		if senderSettleModeValue(s.l.senderSettleMode) == SenderSettleModeUnsettled {
			return nil, false, errors.New("can't send message as settled when sender settlement mode is unsettled")
		}
		senderSettled = true
	}

	var (
		maxPayloadSize = int64(s.l.session.conn.peerMaxFrameSize) - maxTransferFrameHeader
	)

	deliveryTag := msg.DeliveryTag
	if len(deliveryTag) == 0 {
		// use uint64 encoded as []byte as deliveryTag
		deliveryTag = make([]byte, 8)
		binary.BigEndian.PutUint64(deliveryTag, s.nextDeliveryTag)
		s.nextDeliveryTag++
	}

	fr := frames.PerformTransfer{
		Handle:        s.l.handle,
		DeliveryTag:   deliveryTag,
		MessageFormat: &msg.Format,
		More:          s.buf.Len() > 0,
	}

	for fr.More {
		buf, _ := s.buf.Next(maxPayloadSize)
		fr.Payload = append([]byte(nil), buf...)
		fr.More = s.buf.Len() > 0
		if !fr.More {
			// SSM=settled: overrides RSM; no acks.
			// SSM=unsettled: sender should wait for receiver to ack
			// RSM=first: receiver considers it settled immediately, but must still send ack (SSM=unsettled only)
			// RSM=second: receiver sends ack and waits for return ack from sender (SSM=unsettled only)

			// mark final transfer as settled when sender mode is settled
			fr.Settled = senderSettled

			// set done on last frame
			fr.Done = make(chan encoding.DeliveryState, 1)
		}

		select {
		case s.transfers <- fr:
		case <-s.l.done:
			return nil, false, s.l.doneErr
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}

		// clear values that are only required on first message
		fr.DeliveryTag = nil
		fr.MessageFormat = nil
	}

	return fr.Done, senderSettled, nil
}

// newSender creates a new sending link and attaches it to the session
func newSender(target string, session *Session, opts *SenderOptions) (*Sender, error) {
	l := newLink(session, encoding.RoleSender)
	l.target = &frames.Target{Address: target}
	l.source = new(frames.Source)
	s := &Sender{l: l}

	if opts == nil {
		return s, nil
	}

	for _, v := range opts.Capabilities {
		s.l.source.Capabilities = append(s.l.source.Capabilities, encoding.Symbol(v))
	}
	if opts.Durability > DurabilityUnsettledState {
		return nil, fmt.Errorf("invalid Durability %d", opts.Durability)
	}
	s.l.source.Durable = opts.Durability
	if opts.DynamicAddress {
		s.l.target.Address = ""
		s.l.dynamicAddr = opts.DynamicAddress
	}
	if opts.ExpiryPolicy != "" {
		if err := encoding.ValidateExpiryPolicy(opts.ExpiryPolicy); err != nil {
			return nil, err
		}
		s.l.source.ExpiryPolicy = opts.ExpiryPolicy
	}
	s.l.source.Timeout = opts.ExpiryTimeout
	if opts.Name != "" {
		s.l.key.name = opts.Name
	}
	if opts.Properties != nil {
		s.l.properties = make(map[encoding.Symbol]any)
		for k, v := range opts.Properties {
			if k == "" {
				return nil, errors.New("link property key must not be empty")
			}
			s.l.properties[encoding.Symbol(k)] = v
		}
	}
	if opts.RequestedReceiverSettleMode != nil {
		if rsm := *opts.RequestedReceiverSettleMode; rsm > ReceiverSettleModeSecond {
			return nil, fmt.Errorf("invalid RequestedReceiverSettleMode %d", rsm)
		}
		s.l.receiverSettleMode = opts.RequestedReceiverSettleMode
	}
	if opts.SettlementMode != nil {
		if ssm := *opts.SettlementMode; ssm > SenderSettleModeMixed {
			return nil, fmt.Errorf("invalid SettlementMode %d", ssm)
		}
		s.l.senderSettleMode = opts.SettlementMode
	}
	s.l.source.Address = opts.SourceAddress
	for _, v := range opts.TargetCapabilities {
		s.l.target.Capabilities = append(s.l.target.Capabilities, encoding.Symbol(v))
	}
	if opts.TargetDurability != DurabilityNone {
		s.l.target.Durable = opts.TargetDurability
	}
	if opts.TargetExpiryPolicy != "" && opts.TargetExpiryPolicy != ExpiryPolicySessionEnd {
		if err := encoding.ValidateExpiryPolicy(opts.TargetExpiryPolicy); err != nil {
			return nil, err
		}
		s.l.target.ExpiryPolicy = opts.TargetExpiryPolicy
	}
	if opts.TargetExpiryTimeout != 0 {
		s.l.target.Timeout = opts.TargetExpiryTimeout
	}
	return s, nil
}

func (s *Sender) attach(ctx context.Context) error {
	if err := s.l.attach(ctx, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleSender
		if pa.Target == nil {
			pa.Target = new(frames.Target)
		}
		pa.Target.Dynamic = s.l.dynamicAddr
	}, func(pa *frames.PerformAttach) {
		if s.l.target == nil {
			s.l.target = new(frames.Target)
		}

		// if dynamic address requested, copy assigned name to address
		if s.l.dynamicAddr && pa.Target != nil {
			s.l.target.Address = pa.Target.Address
		}
	}); err != nil {
		return err
	}

	s.transfers = make(chan frames.PerformTransfer)

	return nil
}

func (s *Sender) mux() {
	defer s.l.muxClose(context.Background(), nil, nil, nil)

Loop:
	for {
		var outgoingTransfers chan frames.PerformTransfer
		if s.availableCredit > 0 {
			debug.Log(context.TODO(), slog.LevelDebug, "TX (Sender) enable", "credit", s.availableCredit, "deliveryCount", s.l.deliveryCount)
			outgoingTransfers = s.transfers
		}

		select {
		// received frame
		case q := <-s.l.rxQ.Wait():
			fr := *q.Dequeue()
			s.l.rxQ.Release(q)

			s.l.doneErr = s.muxHandleFrame(fr)
			if s.l.doneErr != nil {
				return
			}

		// send data
		case tr := <-outgoingTransfers:
			debug.Log(context.TODO(), slog.LevelDebug, "TX (Sender)", "transfer", tr)

			// Ensure the session mux is not blocked
			for {
				select {
				case s.l.session.txTransfer <- &tr:
					// decrement link-credit after entire message transferred
					if !tr.More {
						s.l.deliveryCount++
						s.availableCredit--
						// we are the sender and we keep track of the peer's link credit
						debug.Log(context.TODO(), slog.LevelDebug, "TX (Sender) sent", "link", s.l.key.name, "credit", s.availableCredit)
					}
					continue Loop
				case q := <-s.l.rxQ.Wait():
					fr := *q.Dequeue()
					s.l.rxQ.Release(q)

					s.l.doneErr = s.muxHandleFrame(fr)
					if s.l.doneErr != nil {
						return
					}
				case <-s.l.close:
					s.l.doneErr = &LinkError{}
					return
				case <-s.l.session.done:
					s.l.doneErr = s.l.session.sessionErr()
					return
				}
			}

		case <-s.l.close:
			s.l.doneErr = &LinkError{}
			return
		case <-s.l.session.done:
			s.l.doneErr = s.l.session.sessionErr()
			return
		}
	}
}

// muxHandleFrame processes fr based on type.
func (s *Sender) muxHandleFrame(fr frames.FrameBody) error {
	debug.Log(context.TODO(), slog.LevelDebug, "RX (Sender)", "frame", fr)
	switch fr := fr.(type) {
	// flow control frame
	case *frames.PerformFlow:
		if fr.LinkCredit == nil {
			// session-only flow, nothing to do
			return nil
		}
		linkCredit := *fr.LinkCredit - s.l.deliveryCount
		if fr.DeliveryCount != nil {
			// DeliveryCount can be nil if the receiver hasn't processed
			// the attach. That shouldn't be the case here, but it's
			// what ActiveMQ does.
			linkCredit += *fr.DeliveryCount
		}
		s.availableCredit = linkCredit

		if !fr.Echo {
			return nil
		}

		var (
			// copy because sent by pointer below; prevent race
			deliveryCount = s.l.deliveryCount
		)

		// send flow
		resp := &frames.PerformFlow{
			Handle:        &s.l.handle,
			DeliveryCount: &deliveryCount,
			LinkCredit:    &linkCredit, // max number of messages
		}
		return s.l.session.txFrameBody(context.Background(), resp)

	default:
		return s.l.muxHandleFrame(fr)
	}
}

// Tracker tracks the state of an in-flight outgoing delivery.
type Tracker struct {
	sender *Sender

	// done receives the delivery's terminal state as reported by the peer,
	// and is closed upon settlement.  For sender-settled deliveries it is
	// closed once the final transfer frame is written to the network.
	done chan encoding.DeliveryState

	// sendSettled indicates the delivery was sent settled.
	sendSettled bool

	mu            sync.Mutex
	remoteState   DeliveryState
	remoteSettled bool
	localSettled  bool
}

// AwaitSettlement blocks until the peer settles the delivery,
// ctx completes, or the link fails.
//
// For deliveries sent settled this returns immediately.
func (t *Tracker) AwaitSettlement(ctx context.Context) error {
	t.mu.Lock()
	if t.remoteSettled || t.sendSettled {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	select {
	case state, ok := <-t.done:
		t.mu.Lock()
		if ok && state != nil {
			t.remoteState = state
		}
		t.remoteSettled = true
		t.mu.Unlock()
		return nil
	case <-t.sender.l.done:
		return t.sender.l.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitAccepted blocks until the peer settles the delivery, then verifies
// it was accepted.  Any other terminal outcome results in a
// *DeliveryStateError.
func (t *Tracker) AwaitAccepted(ctx context.Context) error {
	if err := t.AwaitSettlement(ctx); err != nil {
		return err
	}

	switch state := t.RemoteState().(type) {
	case nil, *DeliveryStateAccepted:
		// pre-settled deliveries carry no outcome; nothing to verify
		return nil
	default:
		return &DeliveryStateError{State: state}
	}
}

// Settle marks the delivery as settled locally.
//
// Settling an already-settled delivery is a no-op.
func (t *Tracker) Settle() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localSettled = true
	return nil
}

// State returns the local state of the delivery.
// It mirrors the remote outcome once the delivery has been settled.
func (t *Tracker) State() DeliveryState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteState
}

// RemoteState returns the delivery state reported by the peer,
// or nil if the peer has not reported one.
func (t *Tracker) RemoteState() DeliveryState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteState
}

// RemoteSettled returns true if the peer has settled the delivery.
func (t *Tracker) RemoteSettled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteSettled || t.sendSettled
}

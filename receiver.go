package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streambus/amqp/internal/buffer"
	"github.com/streambus/amqp/internal/debug"
	"github.com/streambus/amqp/internal/encoding"
	"github.com/streambus/amqp/internal/frames"
	"github.com/streambus/amqp/internal/queue"
)

// Default link options
const (
	defaultLinkCredit = 1
)

// ReceiverOptions contains the optional settings for configuring an AMQP receiver.
type ReceiverOptions struct {
	// AutoAccept applies an accepted disposition to a delivered message
	// before it's returned from Receive.
	//
	// Default: false.
	AutoAccept bool

	// Capabilities is the list of extension capabilities the receiver supports.
	Capabilities []string

	// Credit specifies the maximum number of unacknowledged messages
	// the sender can transmit.  Once this limit is reached, no more messages
	// will arrive until messages are acknowledged and settled.
	//
	// As messages are settled, the credit window is replenished by sending
	// flow frames per the credit window policy.
	//
	// To manage credit manually, set this to -1 and use IssueCredit.
	//
	// Default: 1.
	Credit int32

	// Durability indicates what state of the receiver will be retained durably.
	//
	// Default: DurabilityNone.
	Durability Durability

	// DynamicAddress indicates a dynamic address is to be used.
	// Any specified address will be ignored.
	//
	// Default: false.
	DynamicAddress bool

	// ExpiryPolicy determines when the expiry timer of the receiver starts counting
	// down from the timeout value.
	//
	// Default: ExpiryPolicySessionEnd.
	ExpiryPolicy ExpiryPolicy

	// ExpiryTimeout is the duration in seconds that the receiver will be retained.
	//
	// Default: 0.
	ExpiryTimeout uint32

	// Filters contains the desired filters for this receiver.
	// If the peer cannot fulfill the filters the link will be detached.
	Filters []LinkFilter

	// MaxMessageSize sets the maximum message size that can
	// be received on the link.
	//
	// Default: 0 (unlimited).
	MaxMessageSize uint64

	// Name sets the name of the link.
	//
	// Link names must be unique per-connection and direction.
	//
	// Default: randomly generated.
	Name string

	// Properties sets an entry in the link properties map sent to the server.
	Properties map[string]any

	// RequestedSenderSettleMode sets the requested sender settlement mode.
	//
	// If a settlement mode is explicitly requested and the server does not
	// honor it an error will be returned during link attachment.
	//
	// Default: Accept the settlement mode set by the server.
	RequestedSenderSettleMode *SenderSettleMode

	// SettlementMode sets the settlement mode in use by this receiver.
	//
	// Default: ReceiverSettleModeFirst.
	SettlementMode *ReceiverSettleMode

	// TargetAddress specifies the target address for this receiver.
	TargetAddress string

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

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	l link

	autoAccept bool   // automatically accept messages as they're returned from Receive
	maxCredit  uint32 // the receiver's credit window; zero when credit is managed manually

	// notifications to the mux that a flow frame might be required
	receiverReady chan struct{}

	// completed deliveries ready to be returned from Receive
	messagesQ *queue.Holder[Message]

	creditor creditor

	// unsettled deliveries, keyed by delivery tag
	unsettledMu       sync.Mutex
	unsettledMessages map[string]struct{}

	// mux-owned delivery assembly state
	msgBuf buffer.Buffer // current delivery's accumulated payload
	msg    Message       // current message being assembled
	more   bool          // true if in the middle of a multi-frame delivery

	// active streaming receive, if any
	streamMu sync.Mutex
	stream   *StreamReceiver
}

// LinkName returns the name of the link used for this Receiver.
func (r *Receiver) LinkName() string {
	return r.l.key.name
}

// Address returns the link's address.
func (r *Receiver) Address() string {
	if r.l.source == nil {
		return ""
	}
	return r.l.source.Address
}

// LinkSourceFilterValue retrieves the specified link source filter value or nil if it doesn't exist.
func (r *Receiver) LinkSourceFilterValue(name string) any {
	if r.l.source == nil {
		return nil
	}
	filter, ok := r.l.source.Filter[encoding.Symbol(name)]
	if !ok {
		return nil
	}
	return filter.Value
}

// Close closes the Receiver and AMQP link.
//   - ctx controls waiting for the peer to acknowledge the close
//
// If the context's deadline expires or is cancelled before the operation
// completes, an error is returned.  However, the operation will continue to
// execute in the background.
func (r *Receiver) Close(ctx context.Context) error {
	return r.l.closeLink(ctx)
}

// Receive returns the next message from the sender's queue.
//
// Blocks until a message is available, ctx completes, or the link fails.
// If the Receiver was configured with AutoAccept, the accepted disposition
// is applied to the message before it's returned.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	if msg := r.Prefetched(); msg != nil {
		return r.autoAccepted(ctx, msg)
	}

	// wait for the next message
	select {
	case q := <-r.messagesQ.Wait():
		msg := q.Dequeue()
		r.messagesQ.Release(q)
		debug.Assert(ctx, msg != nil)
		msg.receiver = r
		r.notifyReady()
		return r.autoAccepted(ctx, msg)
	case <-r.l.done:
		return nil, r.l.doneErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prefetched returns the next message that is stored in the Receiver's
// prefetch cache.  It does NOT wait for the remote sender to send messages
// and returns immediately if the prefetch cache is empty.
func (r *Receiver) Prefetched() *Message {
	select {
	case q := <-r.messagesQ.Wait():
		msg := q.Dequeue()
		r.messagesQ.Release(q)
		if msg == nil {
			return nil
		}
		msg.receiver = r
		r.notifyReady()
		return msg
	default:
		return nil
	}
}

func (r *Receiver) autoAccepted(ctx context.Context, msg *Message) (*Message, error) {
	if !r.autoAccept || msg.settled {
		return msg, nil
	}
	if err := r.AcceptMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// IssueCredit adds credits to be requested in the next flow request.
// Attempting to issue credit when the receiver was configured with a
// credit window, or while a drain is in progress, returns an error.
func (r *Receiver) IssueCredit(credit uint32) error {
	if r.maxCredit > 0 {
		return errors.New("issueCredit can only be used with receivers that don't have a credit window")
	}
	if err := r.creditor.IssueCredit(credit); err != nil {
		return err
	}
	r.notifyReady()
	return nil
}

// Drain requests the sender to use all of the receiver's available credit,
// or announce it cannot by zeroing it out.  Blocks until the drain completes,
// ctx expires, or the link fails.
func (r *Receiver) Drain(ctx context.Context) error {
	return r.creditor.Drain(ctx, r)
}

// AcceptMessage notifies the server that the message has been accepted and
// does not require redelivery.
//   - ctx controls waiting for the peer to acknowledge the disposition
//   - msg is the message to accept
func (r *Receiver) AcceptMessage(ctx context.Context, msg *Message) error {
	return r.messageDisposition(ctx, msg, &encoding.StateAccepted{})
}

// RejectMessage notifies the server that the message is invalid.
//   - ctx controls waiting for the peer to acknowledge the disposition
//   - msg is the message to reject
//   - e is an optional rejection error
func (r *Receiver) RejectMessage(ctx context.Context, msg *Message, e *Error) error {
	return r.messageDisposition(ctx, msg, &encoding.StateRejected{Error: e})
}

// ReleaseMessage notifies the server that the message was not acted upon and
// should be released.
//   - ctx controls waiting for the peer to acknowledge the disposition
//   - msg is the message to release
func (r *Receiver) ReleaseMessage(ctx context.Context, msg *Message) error {
	return r.messageDisposition(ctx, msg, &encoding.StateReleased{})
}

// ModifyMessageOptions contains the optional parameters to ModifyMessage.
type ModifyMessageOptions struct {
	// DeliveryFailed indicates that the server must consider this an
	// unsuccessful delivery attempt and increment the delivery count.
	DeliveryFailed bool

	// UndeliverableHere indicates that the server must not redeliver
	// the message to this link.
	UndeliverableHere bool

	// Annotations is an optional annotation map to be merged
	// with the existing message annotations, overwriting existing keys
	// if necessary.
	Annotations Annotations
}

// ModifyMessage notifies the server that the message was not acted upon and
// should be modified.
//   - ctx controls waiting for the peer to acknowledge the disposition
//   - msg is the message to modify
//   - options contains the optional settings to modify
func (r *Receiver) ModifyMessage(ctx context.Context, msg *Message, options *ModifyMessageOptions) error {
	if options == nil {
		options = &ModifyMessageOptions{}
	}
	return r.messageDisposition(ctx, msg, &encoding.StateModified{
		DeliveryFailed:     options.DeliveryFailed,
		UndeliverableHere:  options.UndeliverableHere,
		MessageAnnotations: options.Annotations,
	})
}

func (r *Receiver) messageDisposition(ctx context.Context, msg *Message, state encoding.DeliveryState) error {
	// settling a settled delivery is a no-op
	if msg.settled {
		return nil
	}

	// fail fast if the link is dead
	select {
	case <-r.l.done:
		return r.l.doneErr
	default:
	}

	var wait chan encoding.DeliveryState
	if receiverSettleModeValue(r.l.receiverSettleMode) == ReceiverSettleModeSecond {
		debug.Log(ctx, slog.LevelDebug, "RX (Receiver): delivery is in mode second, tracking disposition", "deliveryID", msg.deliveryID)
		wait = r.l.session.trackIncomingDisposition(msg.deliveryID)
	}

	if err := r.l.session.txFrameBody(ctx, &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   msg.deliveryID,
		Settled: wait == nil,
		State:   state,
	}); err != nil {
		return err
	}

	if wait != nil {
		// mode second: the disposition isn't final until the sender
		// acknowledges settlement
		select {
		case <-wait:
		case <-r.l.done:
			return r.l.doneErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	msg.settled = true
	r.deleteUnsettled(msg)
	r.notifyReady()
	return nil
}

func (r *Receiver) addUnsettled(msg *Message) {
	r.unsettledMu.Lock()
	r.unsettledMessages[string(msg.DeliveryTag)] = struct{}{}
	r.unsettledMu.Unlock()
}

func (r *Receiver) deleteUnsettled(msg *Message) {
	r.unsettledMu.Lock()
	delete(r.unsettledMessages, string(msg.DeliveryTag))
	r.unsettledMu.Unlock()
}

func (r *Receiver) countUnsettled() int {
	r.unsettledMu.Lock()
	count := len(r.unsettledMessages)
	r.unsettledMu.Unlock()
	return count
}

// notifyReady wakes the mux so it can evaluate the flow conditions.
func (r *Receiver) notifyReady() {
	select {
	case r.receiverReady <- struct{}{}:
	default:
	}
}

// newReceiver creates a new receiving link and attaches it to the session
func newReceiver(source string, session *Session, opts *ReceiverOptions) (*Receiver, error) {
	l := newLink(session, encoding.RoleReceiver)
	l.source = &frames.Source{Address: source}
	l.target = new(frames.Target)

	r := &Receiver{
		l:                 l,
		maxCredit:         defaultLinkCredit,
		receiverReady:     make(chan struct{}, 1),
		unsettledMessages: map[string]struct{}{},
	}
	r.messagesQ = queue.NewHolder(queue.New[Message](64))

	if opts == nil {
		return r, nil
	}

	r.autoAccept = opts.AutoAccept
	for _, v := range opts.Capabilities {
		r.l.source.Capabilities = append(r.l.source.Capabilities, encoding.Symbol(v))
	}
	if opts.Credit > 0 {
		r.maxCredit = uint32(opts.Credit)
	} else if opts.Credit < 0 {
		r.maxCredit = 0
	}
	if opts.Durability > DurabilityUnsettledState {
		return nil, fmt.Errorf("invalid Durability %d", opts.Durability)
	}
	r.l.source.Durable = opts.Durability
	if opts.DynamicAddress {
		r.l.source.Address = ""
		r.l.dynamicAddr = opts.DynamicAddress
	}
	if opts.ExpiryPolicy != "" {
		if err := encoding.ValidateExpiryPolicy(opts.ExpiryPolicy); err != nil {
			return nil, err
		}
		r.l.source.ExpiryPolicy = opts.ExpiryPolicy
	}
	r.l.source.Timeout = opts.ExpiryTimeout
	if len(opts.Filters) > 0 {
		r.l.source.Filter = make(encoding.Filter)
		for _, f := range opts.Filters {
			f(r.l.source.Filter)
		}
	}
	if opts.MaxMessageSize > 0 {
		r.l.maxMessageSize = opts.MaxMessageSize
	}
	if opts.Name != "" {
		r.l.key.name = opts.Name
	}
	if opts.Properties != nil {
		r.l.properties = make(map[encoding.Symbol]any)
		for k, v := range opts.Properties {
			if k == "" {
				return nil, errors.New("link property key must not be empty")
			}
			r.l.properties[encoding.Symbol(k)] = v
		}
	}
	if opts.RequestedSenderSettleMode != nil {
		if ssm := *opts.RequestedSenderSettleMode; ssm > SenderSettleModeMixed {
			return nil, fmt.Errorf("invalid RequestedSenderSettleMode %d", ssm)
		}
		r.l.senderSettleMode = opts.RequestedSenderSettleMode
	}
	if opts.SettlementMode != nil {
		if rsm := *opts.SettlementMode; rsm > ReceiverSettleModeSecond {
			return nil, fmt.Errorf("invalid SettlementMode %d", rsm)
		}
		r.l.receiverSettleMode = opts.SettlementMode
	}
	r.l.target.Address = opts.TargetAddress
	if opts.TargetDurability != DurabilityNone {
		r.l.target.Durable = opts.TargetDurability
	}
	if opts.TargetExpiryPolicy != "" && opts.TargetExpiryPolicy != ExpiryPolicySessionEnd {
		if err := encoding.ValidateExpiryPolicy(opts.TargetExpiryPolicy); err != nil {
			return nil, err
		}
		r.l.target.ExpiryPolicy = opts.TargetExpiryPolicy
	}
	if opts.TargetExpiryTimeout != 0 {
		r.l.target.Timeout = opts.TargetExpiryTimeout
	}
	return r, nil
}

// attach sends the Attach performative to establish the link with its parent session.
// this is automatically called by the new*Link constructors.
func (r *Receiver) attach(ctx context.Context) error {
	if err := r.l.attach(ctx, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleReceiver
		if pa.Source == nil {
			pa.Source = new(frames.Source)
		}
		pa.Source.Dynamic = r.l.dynamicAddr
	}, func(pa *frames.PerformAttach) {
		if r.l.source == nil {
			r.l.source = new(frames.Source)
		}
		// if dynamic address requested, copy assigned name to address
		if r.l.dynamicAddr && pa.Source != nil {
			r.l.source.Address = pa.Source.Address
		}
		// copy the received filter values
		if pa.Source != nil {
			r.l.source.Filter = pa.Source.Filter
		}
	}); err != nil {
		return err
	}

	// issue the initial credit window
	r.notifyReady()

	return nil
}

func (r *Receiver) mux() {
	defer r.l.muxClose(context.Background(), nil, nil, func(fr *frames.PerformTransfer) {
		// drain incoming transfers during shutdown so the session
		// bookkeeping stays consistent
	})

	for {
		select {
		case q := <-r.l.rxQ.Wait():
			fr := *q.Dequeue()
			r.l.rxQ.Release(q)

			r.l.doneErr = r.muxHandleFrame(fr)
			if r.l.doneErr != nil {
				return
			}

		case <-r.receiverReady:
			if err := r.muxFlow(); err != nil {
				r.l.doneErr = err
				return
			}

		case <-r.l.close:
			r.l.doneErr = &LinkError{}
			return

		case <-r.l.session.done:
			r.l.doneErr = r.l.session.sessionErr()
			return
		}
	}
}

// muxHandleFrame processes fr based on type.
func (r *Receiver) muxHandleFrame(fr frames.FrameBody) error {
	debug.Log(context.TODO(), slog.LevelDebug, "RX (Receiver)", "frame", fr)
	switch fr := fr.(type) {
	case *frames.PerformTransfer:
		return r.muxReceive(fr)

	case *frames.PerformFlow:
		if fr.Drain {
			// if the peer is echoing a drain, the sender has consumed or
			// voided all of our credit
			if fr.DeliveryCount != nil {
				r.l.deliveryCount = *fr.DeliveryCount
			}
			r.l.linkCredit = 0
			r.creditor.EndDrain()
		}
		return nil

	default:
		return r.l.muxHandleFrame(fr)
	}
}

// muxFlow evaluates the flow conditions and sends a flow frame when
// credit needs to be issued.
//
// The credit window policy: with window W, current credit C, and
// buffered-but-undelivered message count Q, additional credit is granted
// when C has fallen to half the window or below and the in-flight total
// C+Q is no more than 7/10 of the window.  The grant tops the total
// back up to the window: W-(C+Q).
func (r *Receiver) muxFlow() error {
	var (
		linkCredit uint32
		send       bool
	)

	drain, credits := r.creditor.FlowBits()

	switch {
	case drain:
		// draining uses whatever credit is currently on the link
		send = true
		linkCredit = r.l.linkCredit

	case credits > 0:
		// manually issued credit
		send = true
		r.l.linkCredit += credits
		linkCredit = r.l.linkCredit

	case r.maxCredit > 0:
		window := r.maxCredit
		current := r.l.linkCredit
		queued := uint32(r.messagesQ.Len())
		if current <= window/2 && current+queued <= (window*7)/10 {
			send = true
			linkCredit = window - queued
			r.l.linkCredit = linkCredit
		}
	}

	if !send {
		return nil
	}

	var (
		// copy because sent by pointer below; prevent race
		deliveryCount = r.l.deliveryCount
	)

	debug.Log(context.TODO(), slog.LevelDebug, "TX (Receiver): flow", "linkCredit", linkCredit, "deliveryCount", deliveryCount, "drain", drain)

	return r.l.session.txFrameBody(context.Background(), &frames.PerformFlow{
		Handle:        &r.l.handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &linkCredit,
		Drain:         drain,
	})
}

func (r *Receiver) currentStream() *StreamReceiver {
	r.streamMu.Lock()
	defer r.streamMu.Unlock()
	return r.stream
}

func (r *Receiver) clearStream() {
	r.streamMu.Lock()
	r.stream = nil
	r.streamMu.Unlock()
}

// muxReceive assembles incoming transfer frames into deliveries.
func (r *Receiver) muxReceive(fr *frames.PerformTransfer) error {
	if !r.more {
		// this is the first frame of a new delivery
		if fr.DeliveryID != nil {
			r.msg = Message{deliveryID: *fr.DeliveryID}
		} else {
			r.msg = Message{}
		}
	}
	// record any fields that may only be on the first frame
	if fr.DeliveryTag != nil {
		r.msg.DeliveryTag = append([]byte(nil), fr.DeliveryTag...)
	}
	if fr.MessageFormat != nil {
		r.msg.Format = *fr.MessageFormat
	}
	r.msg.settled = r.msg.settled || fr.Settled

	if fr.Aborted {
		// "Aborted messages SHOULD be discarded by the recipient (any payload
		// within the frame carrying the performative MUST be ignored). An aborted
		// message is implicitly settled."
		r.msgBuf.Reset()
		r.more = false
		if stream := r.currentStream(); stream != nil {
			stream.fail(errDeliveryAborted)
			r.clearStream()
		}
		return nil
	}

	if stream := r.currentStream(); stream != nil {
		// streaming receive: hand the payload chunk directly to the reader
		stream.push(fr.Payload)
		r.more = fr.More
		if !fr.More {
			r.l.deliveryCount++
			if r.l.linkCredit > 0 {
				r.l.linkCredit--
			}
			stream.complete(&r.msg)
			r.clearStream()
		}
		return nil
	}

	r.msgBuf.Append(fr.Payload)
	r.more = fr.More

	if fr.More {
		return nil
	}

	// last frame of the delivery; unmarshal the accumulated sections
	if err := r.msg.Unmarshal(&r.msgBuf); err != nil {
		return err
	}
	r.msgBuf.Reset()

	debug.Log(context.TODO(), slog.LevelDebug, "RX (Receiver): delivery complete", "deliveryID", r.msg.deliveryID)

	// "upon receipt of a transfer, the receiving endpoint will increment
	// the next-incoming-id directly to match the transfer-id of the
	// transfer plus one, as well as decrementing the remote outgoing-window,
	// and MAY (depending on policy) decrement its incoming-window."
	r.l.deliveryCount++
	if r.l.linkCredit > 0 {
		r.l.linkCredit--
	}

	if !r.msg.settled {
		r.addUnsettled(&r.msg)
	}

	q := r.messagesQ.Acquire()
	q.Enqueue(r.msg)
	r.messagesQ.Release(q)

	return nil
}

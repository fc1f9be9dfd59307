package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/streambus/amqp/internal/debug"
	"github.com/streambus/amqp/internal/encoding"
	"github.com/streambus/amqp/internal/frames"
)

// Default session options
const (
	defaultWindow = 5000
)

// SessionOptions contains the optional settings for configuring an AMQP session.
type SessionOptions struct {
	// MaxLinks sets the maximum number of links (Senders/Receivers)
	// allowed on the session.
	//
	// Minimum: 1.
	// Default: 4294967295.
	MaxLinks uint32
}

// Session is an AMQP session.
//
// A session multiplexes Senders and Receivers.
type Session struct {
	channel       uint16            // session's local channel
	remoteChannel uint16            // session's remote channel, owned by conn.mux
	conn          *Conn             // underlying conn
	rx            chan frames.Frame // frames destined for this session are sent on this chan by conn.mux

	tx         chan frames.FrameBody        // non-transfer frames to be sent; session fills in session-level fields
	txTransfer chan *frames.PerformTransfer // transfer frames to be sent; session assigns delivery ID

	// flow control
	incomingWindow uint32
	outgoingWindow uint32

	handleMax uint32

	// used for gracefully closing session
	close     chan struct{} // closed by calling Close(); signals the mux to shut down
	closeOnce sync.Once

	done    chan struct{} // closed when the session has terminated (mux exited); DO NOT wait on this from within Session.mux() as it will never trigger!
	doneErr error         // contains the error state returned from Close(); DO NOT TOUCH outside of session.go until done has been closed!

	// link bookkeeping; guarded by linkMu as attach/detach runs on
	// caller goroutines while routing runs on the session mux
	linkMu              sync.Mutex
	linksByName         map[linkKey]*link
	linksByHandle       map[uint32]*link
	linksByRemoteHandle map[uint32]*link

	// in-flight unsettled incoming dispositions (receiver settle mode
	// second); guarded by ackMu
	ackMu        sync.Mutex
	incomingAcks map[uint32]chan encoding.DeliveryState
}

func newSession(c *Conn, opts *SessionOptions) *Session {
	s := &Session{
		conn:                c,
		incomingWindow:      defaultWindow,
		outgoingWindow:      defaultWindow,
		handleMax:           math.MaxUint32 - 1,
		rx:                  make(chan frames.Frame, 64),
		tx:                  make(chan frames.FrameBody),
		txTransfer:          make(chan *frames.PerformTransfer),
		close:               make(chan struct{}),
		done:                make(chan struct{}),
		linksByName:         make(map[linkKey]*link),
		linksByHandle:       make(map[uint32]*link),
		linksByRemoteHandle: make(map[uint32]*link),
		incomingAcks:        make(map[uint32]chan encoding.DeliveryState),
	}

	if opts != nil {
		if opts.MaxLinks != 0 {
			// MaxLinks is the number of total links.
			// handleMax is the max handle ID which starts
			// at zero.  so we decrement by one
			s.handleMax = opts.MaxLinks - 1
		}
	}

	return s
}

// begin sends the Begin performative and waits for the peer's response.
// Called from NewSession; on success the session mux is started.
func (s *Session) begin(ctx context.Context) error {
	begin := &frames.PerformBegin{
		NextOutgoingID: 0,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}

	if err := s.conn.sendFrame(ctx, frames.Frame{
		Type:    frames.TypeAMQP,
		Channel: s.channel,
		Body:    begin,
	}); err != nil {
		return err
	}

	// wait for response
	var fr frames.Frame
	select {
	case fr = <-s.rx:
	case <-s.conn.done:
		return s.conn.connErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	resp, ok := fr.Body.(*frames.PerformBegin)
	if !ok {
		return fmt.Errorf("unexpected begin response frame %T", fr.Body)
	}
	debug.Log(ctx, slog.LevelDebug, "RX (Session)", "frame", resp)

	go s.mux(resp)
	return nil
}

// Close closes the session.
//   - ctx controls waiting for the peer to acknowledge the session is closed
//
// If the context's deadline expires or is cancelled before the operation
// completes, the application can be left in an unknown state, potentially
// resulting in connection errors.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.close) })

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var sessionErr *SessionError
	if errors.As(s.doneErr, &sessionErr) && sessionErr.RemoteErr == nil && sessionErr.inner == nil {
		// an empty SessionError means the session was cleanly closed by the caller
		return nil
	}
	return s.doneErr
}

// Done returns a channel that's closed when the session has terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that caused the session to terminate,
// or nil if the session is still active.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.doneErr
	default:
		return nil
	}
}

// NewReceiver opens a new receiver link on the session.
//   - ctx controls waiting for the peer to create a receiving terminus
//   - source is the name of the peer's sending terminus
//   - opts contains optional values, pass nil to accept the defaults
func (s *Session) NewReceiver(ctx context.Context, source string, opts *ReceiverOptions) (*Receiver, error) {
	r, err := newReceiver(source, s, opts)
	if err != nil {
		return nil, err
	}
	if err = r.attach(ctx); err != nil {
		return nil, err
	}

	go r.mux()

	return r, nil
}

// NewSender opens a new sender link on the session.
//   - ctx controls waiting for the peer to create a sending terminus
//   - target is the name of the peer's receiving terminus
//   - opts contains optional values, pass nil to accept the defaults
func (s *Session) NewSender(ctx context.Context, target string, opts *SenderOptions) (*Sender, error) {
	snd, err := newSender(target, s, opts)
	if err != nil {
		return nil, err
	}
	if err = snd.attach(ctx); err != nil {
		return nil, err
	}

	go snd.mux()

	return snd, nil
}

// txFrameBody sends fr to the session mux for transmission.
func (s *Session) txFrameBody(ctx context.Context, fr frames.FrameBody) error {
	select {
	case s.tx <- fr:
		return nil
	case <-s.done:
		return s.sessionErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionErr returns the error to surface on operations attempted
// after the session has terminated.
func (s *Session) sessionErr() error {
	if s.doneErr == nil {
		return &SessionError{}
	}
	var sessionErr *SessionError
	if errors.As(s.doneErr, &sessionErr) {
		return sessionErr
	}
	return &SessionError{inner: s.doneErr}
}

func (s *Session) mux(remoteBegin *frames.PerformBegin) {
	var (
		// the next delivery-id assigned to an outgoing delivery
		nextDeliveryID uint32

		// the transfer-id assigned to the next outgoing transfer frame
		nextOutgoingID uint32

		// the expected transfer-id of the next incoming transfer frame
		nextIncomingID = remoteBegin.NextOutgoingID

		// the current capacity of the peer to receive transfer frames
		remoteIncomingWindow = remoteBegin.IncomingWindow

		// how many transfer frames the peer may still send us before
		// we must replenish our incoming window with a flow frame
		incomingWindow = s.incomingWindow

		// delivery states of our unsettled outgoing deliveries
		inflight = map[uint32]chan encoding.DeliveryState{}

		// per sending-link delivery assembly state
		outgoingDeliveryID = map[uint32]uint32{} // handle -> in-progress delivery-id
		outgoingInProgress = map[uint32]bool{}   // handle -> more flag of last frame

		// per receiving-link (remote handle) incoming assembly state
		incomingDeliveryID = map[uint32]uint32{} // remote handle -> in-progress delivery-id

		// set once we've sent our End
		closeRequested bool

		closeSignal = s.close
	)

	defer func() {
		if s.doneErr == nil {
			s.doneErr = &SessionError{}
		}
		// notify the conn mux so the channel can be unbound
		select {
		case s.conn.delSession <- s:
		case <-s.conn.done:
		}
		close(s.done)
	}()

	// fail the session with err, notifying the peer with cond when possible
	fail := func(cond ErrCond, format string, v ...any) {
		amqpErr := &Error{Condition: cond, Description: fmt.Sprintf(format, v...)}
		s.doneErr = &SessionError{inner: amqpErr}
		if !closeRequested {
			_ = s.conn.sendFrame(context.Background(), frames.Frame{
				Type:    frames.TypeAMQP,
				Channel: s.channel,
				Body:    &frames.PerformEnd{Error: amqpErr},
			})
		}
	}

	sendSessionFlow := func() {
		nid := nextIncomingID
		flow := &frames.PerformFlow{
			NextIncomingID: &nid,
			IncomingWindow: incomingWindow,
			NextOutgoingID: nextOutgoingID,
			OutgoingWindow: s.outgoingWindow,
		}
		_ = s.conn.sendFrame(context.Background(), frames.Frame{
			Type:    frames.TypeAMQP,
			Channel: s.channel,
			Body:    flow,
		})
	}

	for {
		// gate outgoing transfers on the peer's incoming window
		txTransfers := s.txTransfer
		if remoteIncomingWindow == 0 {
			txTransfers = nil
		}

		select {
		case <-closeSignal:
			// local close requested; send End and wait for the peer's
			_ = s.conn.sendFrame(context.Background(), frames.Frame{
				Type:    frames.TypeAMQP,
				Channel: s.channel,
				Body:    &frames.PerformEnd{},
			})
			closeRequested = true
			closeSignal = nil // stop re-selecting the closed channel

		case <-s.conn.done:
			s.doneErr = s.conn.connErr()
			return

		case fr := <-s.rx:
			debug.Log(context.TODO(), slog.LevelDebug, "RX (Session)", "channel", s.channel, "frame", fr.Body)

			switch body := fr.Body.(type) {
			case *frames.PerformEnd:
				if body.Error != nil {
					s.doneErr = &SessionError{RemoteErr: body.Error}
				}
				if !closeRequested {
					// peer initiated the end; ack it
					_ = s.conn.sendFrame(context.Background(), frames.Frame{
						Type:    frames.TypeAMQP,
						Channel: s.channel,
						Body:    &frames.PerformEnd{},
					})
				}
				return

			case *frames.PerformAttach:
				// the response to our Attach carries the same link name;
				// the role is the peer's (opposite of ours)
				l, ok := s.linkByName(linkKey{name: body.Name, role: !body.Role})
				if !ok {
					fail(ErrCondUnattachedHandle, "received attach frame for unknown link %q", body.Name)
					return
				}
				s.bindRemoteHandle(l, body.Handle)
				l.deliver(body)

			case *frames.PerformTransfer:
				l, ok := s.linkByRemoteHandle(body.Handle)
				if !ok {
					fail(ErrCondUnattachedHandle, "received transfer frame referencing unattached handle %d", body.Handle)
					return
				}

				if current, assembling := incomingDeliveryID[body.Handle]; assembling {
					// continuation frames may repeat the delivery-id, but
					// it must match the delivery being assembled
					if body.DeliveryID != nil && *body.DeliveryID != current {
						fail(ErrCondErrantLink, "transfer continuation delivery ID %d does not match in-progress delivery ID %d", *body.DeliveryID, current)
						return
					}
				} else {
					if body.DeliveryID == nil {
						fail(ErrCondErrantLink, "transfer frame missing delivery ID")
						return
					}
					if *body.DeliveryID != nextIncomingID {
						fail(ErrCondErrantLink, "received delivery ID %d, expected %d", *body.DeliveryID, nextIncomingID)
						return
					}
					incomingDeliveryID[body.Handle] = *body.DeliveryID
				}
				if !body.More || body.Aborted {
					delete(incomingDeliveryID, body.Handle)
				}

				nextIncomingID++
				if incomingWindow > 0 {
					incomingWindow--
				}
				// replenish the window before the peer stalls
				if incomingWindow <= s.incomingWindow/2 {
					incomingWindow = s.incomingWindow
					sendSessionFlow()
				}

				l.deliver(body)

			case *frames.PerformFlow:
				if body.NextIncomingID != nil {
					// see conditions in 2.5.6 of the AMQP spec for how
					// the peer's incoming window is synchronized
					remoteIncomingWindow = *body.NextIncomingID + body.IncomingWindow - nextOutgoingID
				} else {
					remoteIncomingWindow = body.IncomingWindow
				}

				if body.Handle != nil {
					l, ok := s.linkByRemoteHandle(*body.Handle)
					if !ok {
						fail(ErrCondUnattachedHandle, "received flow frame referencing unattached handle %d", *body.Handle)
						return
					}
					l.deliver(body)
				} else if body.Echo && !closeRequested {
					sendSessionFlow()
				}

			case *frames.PerformDisposition:
				last := body.First
				if body.Last != nil {
					last = *body.Last
				}

				if body.Role == encoding.RoleReceiver {
					// the peer is reporting the state of our outgoing deliveries
					for id := body.First; id <= last; id++ {
						done, ok := inflight[id]
						if !ok {
							continue
						}
						if body.State != nil {
							done <- body.State
						}
						close(done)
						delete(inflight, id)
					}

					if !body.Settled {
						// the peer is in mode second; settle on our side
						// and send the confirmation
						_ = s.conn.sendFrame(context.Background(), frames.Frame{
							Type:    frames.TypeAMQP,
							Channel: s.channel,
							Body: &frames.PerformDisposition{
								Role:    encoding.RoleSender,
								First:   body.First,
								Last:    body.Last,
								Settled: true,
							},
						})
					}
				} else {
					// the peer (sender) has settled deliveries we received;
					// complete any mode-second acks waiting on them
					s.completeIncomingAcks(body.First, last, body.State)
				}

			case *frames.PerformDetach:
				l, ok := s.linkByRemoteHandle(body.Handle)
				if !ok {
					fail(ErrCondUnattachedHandle, "received detach frame referencing unattached handle %d", body.Handle)
					return
				}
				l.deliver(body)

			default:
				fail(ErrCondNotAllowed, "unexpected frame %T", body)
				return
			}

		case fr := <-s.tx:
			// session-level flow state is filled in here so the values
			// are consistent with the transfer bookkeeping
			if flow, ok := fr.(*frames.PerformFlow); ok {
				nid := nextIncomingID
				flow.NextIncomingID = &nid
				flow.IncomingWindow = incomingWindow
				flow.NextOutgoingID = nextOutgoingID
				flow.OutgoingWindow = s.outgoingWindow
			}
			if err := s.conn.sendFrame(context.Background(), frames.Frame{
				Type:    frames.TypeAMQP,
				Channel: s.channel,
				Body:    fr,
			}); err != nil {
				s.doneErr = err
				return
			}

		case tr := <-txTransfers:
			if !outgoingInProgress[tr.Handle] {
				// first frame of a new delivery
				id := nextDeliveryID
				nextDeliveryID++
				tr.DeliveryID = &id
				outgoingDeliveryID[tr.Handle] = id
			}
			outgoingInProgress[tr.Handle] = tr.More

			fr := frames.Frame{
				Type:    frames.TypeAMQP,
				Channel: s.channel,
				Body:    tr,
			}
			if !tr.More && tr.Done != nil {
				if tr.Settled {
					// settled transfers complete when written to the network
					fr.Done = tr.Done
				} else {
					inflight[outgoingDeliveryID[tr.Handle]] = tr.Done
				}
			}
			if !tr.More {
				delete(outgoingDeliveryID, tr.Handle)
			}

			if err := s.conn.sendFrame(context.Background(), fr); err != nil {
				s.doneErr = err
				return
			}
			nextOutgoingID++
			remoteIncomingWindow--
		}
	}
}

// trackIncomingDisposition registers interest in the peer's settlement of
// an unsettled disposition for the incoming delivery id (receiver settle
// mode second).
func (s *Session) trackIncomingDisposition(id uint32) chan encoding.DeliveryState {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	wait := make(chan encoding.DeliveryState, 1)
	s.incomingAcks[id] = wait
	return wait
}

func (s *Session) completeIncomingAcks(first, last uint32, state encoding.DeliveryState) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	for id := first; id <= last; id++ {
		wait, ok := s.incomingAcks[id]
		if !ok {
			continue
		}
		if state != nil {
			wait <- state
		}
		close(wait)
		delete(s.incomingAcks, id)
	}
}

// allocateHandle assigns the lowest free handle to l and records it in
// the session's link maps.
func (s *Session) allocateHandle(l *link) error {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()

	if _, exists := s.linksByName[l.key]; exists {
		return fmt.Errorf("link with name %q already exists", l.key.name)
	}

	var (
		handle uint32
		found  bool
	)
	for i := uint64(0); i <= uint64(s.handleMax); i++ {
		if _, used := s.linksByHandle[uint32(i)]; !used {
			handle, found = uint32(i), true
			break
		}
	}
	if !found {
		return fmt.Errorf("reached session handle max (%d)", s.handleMax)
	}

	l.handle = handle
	s.linksByName[l.key] = l
	s.linksByHandle[handle] = l
	return nil
}

func (s *Session) deallocateHandle(l *link) {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	delete(s.linksByName, l.key)
	delete(s.linksByHandle, l.handle)
	delete(s.linksByRemoteHandle, l.remoteHandle)
}

func (s *Session) bindRemoteHandle(l *link, remoteHandle uint32) {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	l.remoteHandle = remoteHandle
	s.linksByRemoteHandle[remoteHandle] = l
}

func (s *Session) linkByName(key linkKey) (*link, bool) {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	l, ok := s.linksByName[key]
	return l, ok
}

func (s *Session) linkByRemoteHandle(handle uint32) (*link, bool) {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	l, ok := s.linksByRemoteHandle[handle]
	return l, ok
}

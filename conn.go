package amqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/streambus/amqp/internal/buffer"
	"github.com/streambus/amqp/internal/debug"
	"github.com/streambus/amqp/internal/encoding"
	"github.com/streambus/amqp/internal/frames"
	"github.com/streambus/amqp/internal/shared"
)

// Default connection options
const (
	defaultIdleTimeout  = 1 * time.Minute
	defaultMaxFrameSize = 65536
	defaultMaxSessions  = 65536
	defaultWriteTimeout = 30 * time.Second
)

// ConnOptions contains the optional settings for configuring an AMQP connection.
type ConnOptions struct {
	// ContainerID sets the container-id to use when opening the connection.
	//
	// A container ID will be randomly generated if this option is not used.
	ContainerID string

	// HostName sets the hostname sent in the AMQP
	// Open frame and TLS ServerName (if not otherwise set).
	HostName string

	// IdleTimeout sets the local idle timeout. Half of it is
	// advertised to the peer in the Open frame, and the connection
	// fails when no frame arrives from the peer for twice this value.
	//
	// Specify a value less than zero to disable idle timeout.
	//
	// Default: 1 minute.
	IdleTimeout time.Duration

	// MaxFrameSize sets the maximum frame size that
	// the connection will accept.
	//
	// Must be 512 or greater.
	//
	// Default: 65536.
	MaxFrameSize uint32

	// MaxSessions sets the maximum number of channels.
	// The value must be greater than zero.
	//
	// Default: 65536.
	MaxSessions uint16

	// Properties sets an entry in the connection properties map sent to the server.
	Properties map[string]any

	// SASLType contains the specified SASL authentication mechanism.
	SASLType SASLType

	// TLSConfig sets the tls.Config to be used during TLS negotiation.
	//
	// This option is for advanced usage, in most scenarios
	// providing a URL scheme of "amqps://" is sufficient.
	TLSConfig *tls.Config

	// WriteTimeout controls the write deadline when writing AMQP frames to the
	// underlying net.Conn and no caller provided context.Context is available or
	// the context contains no deadline (e.g. [context.Background]).
	//
	// Specify a value less than zero to disable write timeouts.
	//
	// Default: 30s.
	WriteTimeout time.Duration

	// test hook: replaces dialConn when set
	dialer dialer
}

// Dial connects to an AMQP broker.
//
// If the addr includes a scheme, it must be "amqp", "amqps", or "amqp+ssl".
// If no port is provided, 5672 will be used for "amqp" and 5671 for "amqps" or "amqp+ssl".
//
// If username and password information is not empty it's used as SASL PLAIN
// credentials, equal to passing the SASLTypePlain option.
func Dial(ctx context.Context, addr string, opts *ConnOptions) (*Conn, error) {
	c, err := dialConn(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	err = c.start(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewConn establishes a new AMQP client connection over conn.
// NOTE: [Conn] takes ownership of the provided net.Conn and will close it when [Conn.Close] is called.
func NewConn(ctx context.Context, conn net.Conn, opts *ConnOptions) (*Conn, error) {
	c, err := newConn(conn, opts)
	if err != nil {
		return nil, err
	}
	err = c.start(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Conn is an AMQP connection.
type Conn struct {
	net          net.Conn // underlying connection
	dialer       dialer   // used for testing purposes, it allows faking dialing TCP/TLS endpoints
	writeTimeout time.Duration

	// TLS
	tlsNegotiation bool        // negotiate TLS
	tlsComplete    bool        // TLS negotiation complete
	tlsConfig      *tls.Config // TLS config, default used if nil (ServerName set to c.hostname)

	// SASL
	saslHandlers map[encoding.Symbol]stateFunc // map of supported handlers keyed by SASL mechanism, SASL not negotiated if nil
	saslComplete bool                          // SASL negotiation complete; internal *except* for SASL auth methods

	// local settings
	maxFrameSize uint32                  // max frame size to accept
	channelMax   uint16                  // maximum number of channels to allow
	hostname     string                  // hostname of remote server (set explicitly or parsed from URL)
	idleTimeout  time.Duration           // local idle timeout; inbound frames are required within twice this value
	properties   map[encoding.Symbol]any // additional properties sent upon connection open
	containerID  string                  // set explicitly or randomly generated

	// peer settings
	peerIdleTimeout  time.Duration // maximum period between sending frames
	peerMaxFrameSize uint32        // maximum frame size peer will accept
	peerChannelMax   uint16        // maximum number of channels the peer will allow

	// conn state
	done    chan struct{} // indicates the connection has terminated
	doneErr error         // contains the error state returned from Close(); DO NOT TOUCH outside of conn.go until done has been closed!

	// connReader
	rxBuf     buffer.Buffer     // incoming bytes
	rxDone    chan struct{}     // closed when connReader exits
	rxDoneErr error             // contains the error that terminated connReader; DO NOT TOUCH after rxDone has been closed!
	rxFrame   chan frames.Frame // AMQP frames received by connReader

	// connWriter
	txFrame   chan frames.Frame // AMQP frames to be sent by connWriter
	txBuf     buffer.Buffer     // buffer for marshaling frames before transmitting
	txDone    chan struct{}     // closed when connWriter exits
	txDoneErr error             // contains the error that terminated connWriter; DO NOT TOUCH after txDone has been closed!

	// mux
	newSessionReq  chan *Session       // sessions requesting to be bound to a free channel
	newSessionResp chan newSessionResp // channel allocation results
	delSession     chan *Session       // sessions that have terminated and can be unbound
	closeConn      chan struct{}       // signals mux to begin the close handshake
	closeConnOnce  sync.Once           // closeConn is closed exactly once
	abandonSession chan *Session       // sessions whose begin failed before their mux started
}

type newSessionResp struct {
	session *Session
	err     error
}

// used to abstract the underlying dialer for testing purposes
type dialer interface {
	NetDialerDial(ctx context.Context, c *Conn, host, port string) error
	TLSDialWithDialer(ctx context.Context, c *Conn, host, port string) error
}

// implements the dialer interface
type defaultDialer struct{}

func (defaultDialer) NetDialerDial(ctx context.Context, c *Conn, host, port string) (err error) {
	dialer := &net.Dialer{}
	c.net, err = dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	return
}

func (defaultDialer) TLSDialWithDialer(ctx context.Context, c *Conn, host, port string) (err error) {
	dialer := &tls.Dialer{Config: c.tlsConfig}
	c.net, err = dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	return
}

func dialConn(ctx context.Context, addr string, opts *ConnOptions) (*Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parsing address")
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "5672"
		if u.Scheme == "amqps" || u.Scheme == "amqp+ssl" {
			port = "5671"
		}
	}

	var cp ConnOptions
	if opts != nil {
		cp = *opts
	}

	// prepend SASL credentials when the user/pass segment is not empty
	if u.User != nil {
		pass, _ := u.User.Password()
		cp.SASLType = SASLTypePlain(u.User.Username(), pass)
	}

	if cp.HostName == "" {
		cp.HostName = host
	}

	c, err := newConn(nil, &cp)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "amqp", "":
		err = c.dialer.NetDialerDial(ctx, c, host, port)
	case "amqps", "amqp+ssl":
		c.initTLSConfig()
		c.tlsNegotiation = false
		err = c.dialer.TLSDialWithDialer(ctx, c, host, port)
		c.tlsComplete = true
	default:
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newConn(netConn net.Conn, opts *ConnOptions) (*Conn, error) {
	c := &Conn{
		dialer:           defaultDialer{},
		net:              netConn,
		maxFrameSize:     defaultMaxFrameSize,
		peerMaxFrameSize: defaultMaxFrameSize,
		peerChannelMax:   math.MaxUint16,
		channelMax:       defaultMaxSessions - 1, // -1 because channel-max starts at zero
		idleTimeout:      defaultIdleTimeout,
		containerID:      shared.RandString(40),
		done:             make(chan struct{}),
		rxDone:           make(chan struct{}),
		rxFrame:          make(chan frames.Frame),
		txFrame:          make(chan frames.Frame),
		txDone:           make(chan struct{}),
		newSessionReq:    make(chan *Session),
		newSessionResp:   make(chan newSessionResp),
		delSession:       make(chan *Session),
		abandonSession:   make(chan *Session),
		closeConn:        make(chan struct{}),
		writeTimeout:     defaultWriteTimeout,
	}

	// apply options
	if opts == nil {
		opts = &ConnOptions{}
	}

	if opts.WriteTimeout > 0 {
		c.writeTimeout = opts.WriteTimeout
	} else if opts.WriteTimeout < 0 {
		c.writeTimeout = 0
	}
	if opts.ContainerID != "" {
		c.containerID = opts.ContainerID
	}
	if opts.HostName != "" {
		c.hostname = opts.HostName
	}
	if opts.IdleTimeout > 0 {
		c.idleTimeout = opts.IdleTimeout
	} else if opts.IdleTimeout < 0 {
		c.idleTimeout = 0
	}
	if opts.MaxFrameSize > 0 && opts.MaxFrameSize < 512 {
		return nil, errors.New("invalid MaxFrameSize value")
	} else if opts.MaxFrameSize >= 512 {
		c.maxFrameSize = opts.MaxFrameSize
	}
	if opts.MaxSessions > 0 {
		c.channelMax = opts.MaxSessions - 1
	}
	if opts.SASLType != nil {
		if err := opts.SASLType(c); err != nil {
			return nil, err
		}
	}
	if opts.Properties != nil {
		c.properties = make(map[encoding.Symbol]any)
		for key, val := range opts.Properties {
			c.properties[encoding.Symbol(key)] = val
		}
	}
	if opts.TLSConfig != nil {
		c.tlsConfig = opts.TLSConfig.Clone()
	}
	if opts.dialer != nil {
		c.dialer = opts.dialer
	}
	return c, nil
}

func (c *Conn) initTLSConfig() {
	// create a new config if not already set
	if c.tlsConfig == nil {
		c.tlsConfig = new(tls.Config)
	}

	// TLS config must have ServerName or InsecureSkipVerify set
	if c.tlsConfig.ServerName == "" && !c.tlsConfig.InsecureSkipVerify {
		c.tlsConfig.ServerName = c.hostname
	}
}

// start establishes the connection and begins multiplexing network IO.
// It is an error to call Start() on a connection that's been closed.
func (c *Conn) start(ctx context.Context) (goErr error) {
	// if the context has a deadline or is cancellable, start the interruptor goroutine.
	// this will close the underlying net.Conn in response to the context.
	if ctx.Done() != nil {
		done := make(chan struct{})
		interruptRes := make(chan error, 1)

		defer func() {
			close(done)
			if ctxErr := <-interruptRes; ctxErr != nil {
				// return context error to caller
				goErr = ctxErr
			}
		}()

		go func() {
			select {
			case <-ctx.Done():
				c.closeDuringStart()
				interruptRes <- ctx.Err()
			case <-done:
				interruptRes <- nil
			}
		}()
	}

	if err := c.startImpl(ctx); err != nil {
		return err
	}

	// the mux is only started once the handshake has completed as the
	// peer's Open settings constrain channel and frame bookkeeping
	go c.mux()
	go c.connReader()
	go c.connWriter()

	return nil
}

func (c *Conn) startImpl(ctx context.Context) error {
	// set a deadline on the underlying net.Conn for the duration of the handshake
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.net.SetDeadline(deadline)
		defer func() { _ = c.net.SetDeadline(time.Time{}) }()
	}

	// run connection establishment state machine
	for state := c.negotiateProto; state != nil; {
		var err error
		state, err = state(ctx)
		// check if err occurred
		if err != nil {
			c.closeDuringStart()
			return err
		}
	}

	return nil
}

// closeDuringStart is a special close to be used only during startup (i.e. c.start() and any of its children)
func (c *Conn) closeDuringStart() {
	_ = c.net.Close()
}

// Close closes the connection.
//
// Returns nil if there were no errors during shutdown,
// or a *ConnError if the connection previously failed.
func (c *Conn) Close() error {
	c.close()

	// wait until the mux exits
	<-c.done

	var connErr *ConnError
	if errors.As(c.doneErr, &connErr) && connErr.RemoteErr == nil && connErr.inner == nil {
		// an empty ConnError means the connection was closed by the caller
		return nil
	}

	// there was an error during shutdown or the peer closed the connection,
	// either way the error is returned to the caller
	return c.doneErr
}

// close signals the mux to begin the close handshake. It is called from
// Close(); repeated calls are harmless.
func (c *Conn) close() {
	c.closeConnOnce.Do(func() {
		close(c.closeConn)
	})
}

// Done returns a channel that's closed when Conn is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns nil if the connection is open and has not failed, or the
// error that caused the connection to fail.
//
// A clean local or remote close returns a *ConnError with no inner error.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.doneErr
	default:
		return nil
	}
}

// connErr returns the error to surface on operations attempted after the
// connection has terminated.
func (c *Conn) connErr() error {
	if c.doneErr == nil {
		return &ConnError{}
	}
	var connErr *ConnError
	if errors.As(c.doneErr, &connErr) {
		return connErr
	}
	return &ConnError{inner: c.doneErr}
}

// NewSession starts a new session on the connection.
//   - ctx controls waiting for the peer to acknowledge the session
//   - opts contains optional values, pass nil to accept the defaults
//
// If the context's deadline expires or is cancelled before the operation
// completes, an error is returned. The session will be locally cleaned up.
func (c *Conn) NewSession(ctx context.Context, opts *SessionOptions) (*Session, error) {
	session := newSession(c, opts)

	// request a free channel from the mux
	select {
	case c.newSessionReq <- session:
		// mux received the request
	case <-c.done:
		return nil, c.connErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var resp newSessionResp
	select {
	case resp = <-c.newSessionResp:
	case <-c.done:
		return nil, c.connErr()
	}
	if resp.err != nil {
		return nil, resp.err
	}

	if err := session.begin(ctx); err != nil {
		// notify the mux so it can unbind the channel
		select {
		case c.abandonSession <- session:
		case <-c.done:
		}
		return nil, err
	}

	return session, nil
}

// sendFrame sends fr to the connWriter.
// Returns an error if the connection has terminated or ctx expires first.
func (c *Conn) sendFrame(ctx context.Context, fr frames.Frame) error {
	select {
	case c.txFrame <- fr:
		debug.Log(ctx, slog.LevelDebug, "TX (Conn)", "frame", fr.Body)
		return nil
	case <-c.done:
		return c.connErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mux routes incoming frames to their respective sessions and
// coordinates connection-level state.
//
// Frames, connection state, and the channel<->session mapping are only
// mutated on this goroutine.
func (c *Conn) mux() {
	var (
		// maps channels to sessions
		sessionsByChannel       = map[uint16]*Session{}
		sessionsByRemoteChannel = map[uint16]*Session{}

		// set once the close handshake has started
		closeSent bool
	)

	// stop the connReader and connWriter and close the network
	// connection once the mux has terminated
	defer func() {
		close(c.done)
		_ = c.net.Close()
		<-c.rxDone
		<-c.txDone
	}()

	for {
		select {
		// frame from connReader
		case fr := <-c.rxFrame:
			var disconnect bool

			switch body := fr.Body.(type) {
			case *frames.PerformBegin:
				// a Begin with a populated remote channel is the response
				// to a Begin this client sent on that channel
				if body.RemoteChannel == nil {
					// the client only initiates sessions
					c.doneErr = &ConnError{inner: fmt.Errorf("received unexpected begin for remote channel %d", fr.Channel)}
					disconnect = true
					break
				}
				session, ok := sessionsByChannel[*body.RemoteChannel]
				if !ok {
					// the session was abandoned before the peer responded
					debug.Log(context.TODO(), slog.LevelDebug, "RX (Conn): begin for unbound channel", "channel", *body.RemoteChannel)
					break
				}
				session.remoteChannel = fr.Channel
				sessionsByRemoteChannel[fr.Channel] = session
				session.rx <- fr

			case *frames.PerformClose:
				if body.Error != nil {
					c.doneErr = &ConnError{RemoteErr: body.Error}
				} else if c.doneErr == nil {
					// clean remote close
					c.doneErr = &ConnError{}
				}
				if !closeSent {
					// respond to the peer's close
					fr := frames.Frame{Type: frames.TypeAMQP, Body: &frames.PerformClose{}}
					select {
					case c.txFrame <- fr:
					case <-time.After(time.Second):
					}
				}
				return

			case *frames.KeepAlive:
				// nothing to do

			default:
				// route to the session bound to the remote channel
				session, ok := sessionsByRemoteChannel[fr.Channel]
				if !ok {
					// end frames for sessions we've already unbound can
					// arrive after local teardown; ignore them
					if _, ok := fr.Body.(*frames.PerformEnd); ok {
						debug.Log(context.TODO(), slog.LevelDebug, "RX (Conn): end for unbound channel", "channel", fr.Channel)
						break
					}
					c.doneErr = &ConnError{inner: fmt.Errorf("received frame for unknown channel %d: %v", fr.Channel, fr.Body)}
					disconnect = true
					break
				}
				session.rx <- fr
			}

			if disconnect {
				// attempt to notify the peer before tearing down
				if !closeSent {
					c.sendClose(c.doneErr)
				}
				return
			}

		case <-c.rxDone:
			// connReader died; it records the cause before closing rxDone
			if c.doneErr == nil {
				c.doneErr = c.rxDoneErr
			}
			return

		case <-c.txDone:
			// connWriter died; it records the cause before closing txDone
			if c.doneErr == nil {
				c.doneErr = c.txDoneErr
			}
			return

		case session := <-c.newSessionReq:
			channel, ok := freeChannel(sessionsByChannel, c.channelMax)
			if !ok {
				c.newSessionResp <- newSessionResp{err: fmt.Errorf("reached connection channel max (%d)", c.channelMax)}
				continue
			}
			session.channel = channel
			sessionsByChannel[channel] = session
			c.newSessionResp <- newSessionResp{session: session}

		case session := <-c.delSession:
			delete(sessionsByChannel, session.channel)
			delete(sessionsByRemoteChannel, session.remoteChannel)

		case session := <-c.abandonSession:
			delete(sessionsByChannel, session.channel)
			delete(sessionsByRemoteChannel, session.remoteChannel)

		case <-c.closeConn:
			c.sendClose(nil)
			closeSent = true

			// wait for the peer's close, then tear down.
			// bound the wait so a wedged peer can't hang Close().
			timeout := time.After(time.Second)
			for {
				select {
				case fr := <-c.rxFrame:
					if body, ok := fr.Body.(*frames.PerformClose); ok {
						if body.Error != nil {
							c.doneErr = &ConnError{RemoteErr: body.Error}
						} else if c.doneErr == nil {
							c.doneErr = &ConnError{}
						}
						return
					}
				case <-c.rxDone:
					return
				case <-timeout:
					if c.doneErr == nil {
						c.doneErr = &ConnError{}
					}
					return
				}
			}
		}
	}
}

// sendClose writes a Close performative carrying err (if any) without blocking the mux.
func (c *Conn) sendClose(err error) {
	closeFrame := &frames.PerformClose{}
	var connErr *ConnError
	if errors.As(err, &connErr) && connErr.RemoteErr == nil && connErr.inner != nil {
		var amqpErr *Error
		if errors.As(connErr.inner, &amqpErr) {
			closeFrame.Error = amqpErr
		} else {
			closeFrame.Error = &Error{
				Condition:   ErrCondInternalError,
				Description: connErr.inner.Error(),
			}
		}
	}
	fr := frames.Frame{Type: frames.TypeAMQP, Body: closeFrame}
	select {
	case c.txFrame <- fr:
	case <-time.After(time.Second):
	}
}

// freeChannel returns the lowest unused channel number.
func freeChannel(sessions map[uint16]*Session, channelMax uint16) (uint16, bool) {
	for i := uint32(0); i <= uint32(channelMax); i++ {
		if _, used := sessions[uint16(i)]; !used {
			return uint16(i), true
		}
	}
	return 0, false
}

// connReader reads bytes from the net.Conn, reassembles them into frames,
// and sends them to the connection mux.
func (c *Conn) connReader() {
	defer close(c.rxDone)

	for {
		fr, err := c.readFrame()
		if err != nil {
			c.rxDoneErr = err
			return
		}

		select {
		case c.rxFrame <- fr:
		case <-c.done:
			return
		}
	}
}

// readFrame reads and parses one frame from the network, buffering
// partial frames until the full frame is available.
func (c *Conn) readFrame() (frames.Frame, error) {
	var (
		currentHeader   frames.Header // keep track of the current header, for frames split across multiple TCP packets
		frameInProgress bool          // true if in the middle of receiving data for currentHeader
	)

	for {
		// need to read more if buf doesn't contain the complete frame
		// or there's not enough in buf to parse the frame header
		if frameInProgress || c.rxBuf.Len() < frames.HeaderSize {
			// set the read timeout
			if c.idleTimeout > 0 {
				// the Open frame advertises half of c.idleTimeout; the
				// enforcement threshold is twice c.idleTimeout
				_ = c.net.SetReadDeadline(time.Now().Add(2 * c.idleTimeout))
			} else {
				_ = c.net.SetReadDeadline(time.Time{})
			}
			err := c.rxBuf.ReadFromOnce(c.net)
			if err != nil {
				debug.Log(context.TODO(), slog.LevelDebug, "RX (connReader): read failed", "error", err)
				if errors.Is(err, os.ErrDeadlineExceeded) {
					return frames.Frame{}, &ConnError{inner: &Error{
						Condition:   ErrCondResourceLimitExceeded,
						Description: "remote idle timeout exceeded",
					}}
				}
				return frames.Frame{}, &ConnError{inner: err}
			}
		}

		// parse the header if a frame isn't in progress
		if !frameInProgress {
			// read more if buf doesn't contain enough to parse the header
			if c.rxBuf.Len() < frames.HeaderSize {
				continue
			}

			var err error
			currentHeader, err = frames.ParseHeader(&c.rxBuf)
			if err != nil {
				return frames.Frame{}, &ConnError{inner: err}
			}
			frameInProgress = true

			// received a frame larger than we negotiated; there's no
			// point buffering it, fail the connection immediately
			if currentHeader.Size > c.maxFrameSize {
				return frames.Frame{}, &ConnError{inner: &Error{
					Condition:   ErrCondFramingError,
					Description: fmt.Sprintf("received frame larger than max frame size (%d > %d)", currentHeader.Size, c.maxFrameSize),
				}}
			}
		}

		// the frame size includes the 8 byte header that's already been parsed
		bodySize := int64(currentHeader.Size - frames.HeaderSize)

		// the full frame hasn't been received, keep reading
		if int64(c.rxBuf.Len()) < bodySize {
			continue
		}
		frameInProgress = false

		// check if this is a keepalive frame
		if bodySize == 0 {
			debug.Log(context.TODO(), slog.LevelDebug, "RX (connReader): keepalive")
			return frames.Frame{Type: frames.Type(currentHeader.FrameType), Channel: currentHeader.Channel, Body: &frames.KeepAlive{}}, nil
		}

		// parse the frame
		b, ok := c.rxBuf.Next(bodySize)
		if !ok {
			return frames.Frame{}, &ConnError{inner: fmt.Errorf("buffer EOF; requested bytes: %d, actual size: %d", bodySize, c.rxBuf.Len())}
		}

		parsedBody, err := frames.ParseBody(buffer.New(b))
		if err != nil {
			return frames.Frame{}, &ConnError{inner: err}
		}

		// reclaim the consumed prefix so the buffer doesn't grow unbounded
		c.rxBuf.Reclaim()

		debug.Log(context.TODO(), slog.LevelDebug, "RX (connReader)", "frame", parsedBody)
		return frames.Frame{Type: frames.Type(currentHeader.FrameType), Channel: currentHeader.Channel, Body: parsedBody}, nil
	}
}

// connWriter writes frames to the net.Conn and emits keepalive frames
// at half the peer's idle timeout interval.
func (c *Conn) connWriter() {
	defer close(c.txDone)

	// disable keepalives by default
	var keepalives <-chan time.Time

	// set up heart beating, if required
	if c.peerIdleTimeout > 0 {
		// invoke the peer's idle timeout at half the interval to
		// guarantee our frames arrive in time
		ticker := time.NewTicker(c.peerIdleTimeout / 2)
		defer ticker.Stop()
		keepalives = ticker.C
	}

	for {
		select {
		case fr := <-c.txFrame:
			err := c.writeFrame(fr)
			if err != nil {
				c.txDoneErr = &ConnError{inner: err}
				return
			}
			// the frame has been written to the network; if the sender
			// requested notification of a settled transfer, close Done now
			if fr.Done != nil {
				close(fr.Done)
			}

		case <-keepalives:
			if err := c.writeKeepalive(); err != nil {
				c.txDoneErr = &ConnError{inner: err}
				return
			}

		case <-c.done:
			return
		}
	}
}

// writeFrame writes a frame to the network.
// Only called by connWriter and during the connection handshake.
func (c *Conn) writeFrame(fr frames.Frame) error {
	if c.writeTimeout > 0 {
		_ = c.net.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	// writeFrame into txBuf
	c.txBuf.Reset()
	err := frames.Write(&c.txBuf, fr)
	if err != nil {
		return err
	}

	// validate the frame isn't exceeding peer's max frame size
	requiredFrameSize := c.txBuf.Len()
	if uint64(requiredFrameSize) > uint64(c.peerMaxFrameSize) {
		return fmt.Errorf("%T frame size %d larger than peer's max frame size %d", fr, requiredFrameSize, c.peerMaxFrameSize)
	}

	// write to network
	_, err = c.net.Write(c.txBuf.Bytes())
	return err
}

var keepaliveFrame = [8]byte{0x00, 0x00, 0x00, 0x08, 0x02, 0x00, 0x00, 0x00}

func (c *Conn) writeKeepalive() error {
	if c.writeTimeout > 0 {
		_ = c.net.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	debug.Log(context.TODO(), slog.LevelDebug, "TX (connWriter): keepalive")
	_, err := c.net.Write(keepaliveFrame[:])
	return err
}

// stateFunc is a state in a state machine.
//
// The state is advanced by returning the next state.
// The state machine concludes when nil is returned.
type stateFunc func(ctx context.Context) (stateFunc, error)

// negotiateProto determines which proto to negotiate next.
// used externally by SASL only.
func (c *Conn) negotiateProto(ctx context.Context) (stateFunc, error) {
	// in the order each must be negotiated
	switch {
	case c.tlsNegotiation && !c.tlsComplete:
		return c.exchangeProtoHeader(protoTLS)
	case c.saslHandlers != nil && !c.saslComplete:
		return c.exchangeProtoHeader(protoSASL)
	default:
		return c.exchangeProtoHeader(protoAMQP)
	}
}

type protoID uint8

// protocol IDs received in protoHeaders
const (
	protoAMQP protoID = 0x0
	protoTLS  protoID = 0x2
	protoSASL protoID = 0x3
)

// exchangeProtoHeader performs the round trip exchange of protocol
// headers, validation, and returns the protoID specific next state.
func (c *Conn) exchangeProtoHeader(pID protoID) (stateFunc, error) {
	// write the proto header
	if c.writeTimeout > 0 {
		_ = c.net.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.net.Write([]byte{'A', 'M', 'Q', 'P', byte(pID), 1, 0, 0}); err != nil {
		return nil, err
	}

	// read response header
	p, err := c.readProtoHeader()
	if err != nil {
		return nil, err
	}

	if pID != p.ProtoID {
		return nil, fmt.Errorf("unexpected protocol header %#00x, expected %#00x", p.ProtoID, pID)
	}

	// go to the proto specific state
	switch pID {
	case protoAMQP:
		return c.openAMQP, nil
	case protoTLS:
		return c.startTLS, nil
	case protoSASL:
		return c.negotiateSASL, nil
	default:
		return nil, fmt.Errorf("unknown protocol ID %#02x", p.ProtoID)
	}
}

// protoHeader in a structure appropriate for use with binary.Read()
type protoHeader struct {
	ProtoID  protoID
	Major    uint8
	Minor    uint8
	Revision uint8
}

// readProtoHeader reads a protocol header packet from c.rxBuf,
// reading from the network when the buffer is empty.
func (c *Conn) readProtoHeader() (protoHeader, error) {
	const protoHeaderSize = 8

	// only read from the network once our buffer has been exhausted.
	// this is done in cases where the server sends back multiple
	// responses in one transmit (e.g. SASL).
	if c.rxBuf.Len() == 0 {
		for {
			err := c.rxBuf.ReadFromOnce(c.net)
			if err != nil {
				return protoHeader{}, err
			}

			// read more if buf doesn't contain enough to parse the header
			if c.rxBuf.Len() >= protoHeaderSize {
				break
			}
		}
	}

	buf, ok := c.rxBuf.Next(protoHeaderSize)
	if !ok {
		return protoHeader{}, errors.New("invalid protoHeader")
	}
	// bounds check hint to compiler; see golang.org/issue/14808
	_ = buf[protoHeaderSize-1]

	if !([4]byte{buf[0], buf[1], buf[2], buf[3]} == [4]byte{'A', 'M', 'Q', 'P'}) {
		return protoHeader{}, fmt.Errorf("unexpected protocol %q", buf[:4])
	}

	p := protoHeader{
		ProtoID:  protoID(buf[4]),
		Major:    buf[5],
		Minor:    buf[6],
		Revision: buf[7],
	}

	if p.Major != 1 || p.Minor != 0 || p.Revision != 0 {
		return protoHeader{}, fmt.Errorf("unexpected protocol version %d.%d.%d", p.Major, p.Minor, p.Revision)
	}

	return p, nil
}

// startTLS wraps the conn with TLS and returns to c.negotiateProto
func (c *Conn) startTLS(ctx context.Context) (stateFunc, error) {
	c.initTLSConfig()

	_ = c.net.SetReadDeadline(time.Time{}) // clear timeout

	// wrap existing net.Conn and perform TLS handshake
	tlsConn := tls.Client(c.net, c.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}

	// swap net.Conn
	c.net = tlsConn
	c.tlsComplete = true

	// go to next protocol
	return c.negotiateProto(ctx)
}

// openAMQP round trips the AMQP open performative.
func (c *Conn) openAMQP(ctx context.Context) (stateFunc, error) {
	// send open frame
	open := &frames.PerformOpen{
		ContainerID:  c.containerID,
		Hostname:     c.hostname,
		MaxFrameSize: c.maxFrameSize,
		ChannelMax:   c.channelMax,
		IdleTimeout:  c.idleTimeout / 2, // advertise half the configured value; enforcement is at twice it
		Properties:   c.properties,
	}
	fr := frames.Frame{
		Type: frames.TypeAMQP,
		Body: open,
	}
	debug.Log(ctx, slog.LevelDebug, "TX (openAMQP)", "frame", open)
	if err := c.writeFrame(fr); err != nil {
		return nil, err
	}

	// get the response
	fr, err := c.readSingleFrame()
	if err != nil {
		return nil, err
	}
	o, ok := fr.Body.(*frames.PerformOpen)
	if !ok {
		return nil, fmt.Errorf("openAMQP: unexpected frame type %T", fr.Body)
	}
	debug.Log(ctx, slog.LevelDebug, "RX (openAMQP)", "frame", o)

	// update peer settings
	if o.MaxFrameSize > 0 {
		c.peerMaxFrameSize = o.MaxFrameSize
	}
	if o.IdleTimeout > 0 {
		// TODO: reject very small idle timeouts
		c.peerIdleTimeout = o.IdleTimeout
	}
	if o.ChannelMax < c.channelMax {
		c.channelMax = o.ChannelMax
	}
	c.peerChannelMax = o.ChannelMax

	// connection established, exit state machine
	return nil, nil
}

// readSingleFrame reads a single complete frame from the network,
// skipping keepalives. Only used during connection establishment.
func (c *Conn) readSingleFrame() (frames.Frame, error) {
	for {
		fr, err := c.readFrame()
		if err != nil {
			return frames.Frame{}, err
		}
		if _, ok := fr.Body.(*frames.KeepAlive); ok {
			continue
		}
		return fr, nil
	}
}

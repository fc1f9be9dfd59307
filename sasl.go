package amqp

import (
	"context"
	"fmt"
	"log/slog"

	pkgerrors "github.com/pkg/errors"

	"github.com/streambus/amqp/internal/debug"
	"github.com/streambus/amqp/internal/encoding"
	"github.com/streambus/amqp/internal/frames"
)

// SASL Mechanisms
const (
	saslMechanismPLAIN     encoding.Symbol = "PLAIN"
	saslMechanismANONYMOUS encoding.Symbol = "ANONYMOUS"
	saslMechanismEXTERNAL  encoding.Symbol = "EXTERNAL"
)

// SASLType represents a SASL configuration to use during authentication.
type SASLType func(c *Conn) error

// SASLTypePlain configures the connection to use SASL PLAIN authentication.
func SASLTypePlain(username, password string) SASLType {
	return func(c *Conn) error {
		// make handlers map if no other mechanism has
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[encoding.Symbol]stateFunc)
		}

		// add the handler the the map
		c.saslHandlers[saslMechanismPLAIN] = func(ctx context.Context) (stateFunc, error) {
			// send saslInit with PLAIN payload
			init := &frames.SASLInit{
				Mechanism:       "PLAIN",
				InitialResponse: []byte("\x00" + username + "\x00" + password),
				Hostname:        "",
			}
			fr := frames.Frame{
				Type: frames.TypeSASL,
				Body: init,
			}
			debug.Log(ctx, slog.LevelDebug, "TX (SASL)", "frame", init)
			if err := c.writeFrame(fr); err != nil {
				return nil, err
			}

			// go to c.saslOutcome to handle the server response
			return c.saslOutcome, nil
		}
		return nil
	}
}

// SASLTypeAnonymous configures the connection to use SASL ANONYMOUS authentication.
func SASLTypeAnonymous() SASLType {
	return func(c *Conn) error {
		// make handlers map if no other mechanism has
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[encoding.Symbol]stateFunc)
		}

		// add the handler the the map
		c.saslHandlers[saslMechanismANONYMOUS] = func(ctx context.Context) (stateFunc, error) {
			init := &frames.SASLInit{
				Mechanism:       saslMechanismANONYMOUS,
				InitialResponse: []byte("anonymous"),
			}
			fr := frames.Frame{
				Type: frames.TypeSASL,
				Body: init,
			}
			debug.Log(ctx, slog.LevelDebug, "TX (SASL)", "frame", init)
			if err := c.writeFrame(fr); err != nil {
				return nil, err
			}

			// go to c.saslOutcome to handle the server response
			return c.saslOutcome, nil
		}
		return nil
	}
}

// SASLTypeExternal configures the connection to use SASL EXTERNAL authentication.
//
// The value for resp is dependent on the type of authentication (empty string is common for TLS).
func SASLTypeExternal(resp string) SASLType {
	return func(c *Conn) error {
		// make handlers map if no other mechanism has
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[encoding.Symbol]stateFunc)
		}

		// add the handler the the map
		c.saslHandlers[saslMechanismEXTERNAL] = func(ctx context.Context) (stateFunc, error) {
			init := &frames.SASLInit{
				Mechanism:       saslMechanismEXTERNAL,
				InitialResponse: []byte(resp),
			}
			fr := frames.Frame{
				Type: frames.TypeSASL,
				Body: init,
			}
			debug.Log(ctx, slog.LevelDebug, "TX (SASL)", "frame", init)
			if err := c.writeFrame(fr); err != nil {
				return nil, err
			}

			// go to c.saslOutcome to handle the server response
			return c.saslOutcome, nil
		}
		return nil
	}
}

// negotiateSASL returns the SASL handler for the first matched mechanism
// offered by the server.
func (c *Conn) negotiateSASL(ctx context.Context) (stateFunc, error) {
	// read mechanisms frame
	fr, err := c.readSingleFrame()
	if err != nil {
		return nil, err
	}
	sm, ok := fr.Body.(*frames.SASLMechanisms)
	if !ok {
		return nil, fmt.Errorf("negotiateSASL: unexpected frame type %T", fr.Body)
	}
	debug.Log(ctx, slog.LevelDebug, "RX (SASL)", "frame", sm)

	// return first match in c.saslHandlers based on order received
	for _, mech := range sm.Mechanisms {
		if state, ok := c.saslHandlers[mech]; ok {
			return state, nil
		}
	}

	// no match
	return nil, pkgerrors.Errorf("no supported auth mechanism (%v)", sm.Mechanisms)
}

// saslOutcome processes the SASL outcome frame and return c.negotiateProto
// on success.
//
// SASL handlers return this stateFunc when the mechanism specific negotiation
// has completed.
func (c *Conn) saslOutcome(ctx context.Context) (stateFunc, error) {
	// read outcome frame
	fr, err := c.readSingleFrame()
	if err != nil {
		return nil, err
	}
	so, ok := fr.Body.(*frames.SASLOutcome)
	if !ok {
		return nil, fmt.Errorf("saslOutcome: unexpected frame type %T", fr.Body)
	}
	debug.Log(ctx, slog.LevelDebug, "RX (SASL)", "frame", so)

	// check if auth succeeded
	if so.Code != frames.CodeSASLOK {
		return nil, pkgerrors.Errorf("SASL PLAIN auth failed with code %#00x: %s", so.Code, so.AdditionalData)
	}

	// return to c.negotiateProto
	c.saslComplete = true
	return c.negotiateProto, nil
}

// Package amqp provides an AMQP 1.0 client implementation.
//
// AMQP 1.0 is not compatible with AMQP 0-9-1 or 0-10, which are
// the most common AMQP protocols in use today.
//
// Connections are created with Dial or NewConn, multiplex Sessions,
// and Sessions multiplex Senders and Receivers.
package amqp

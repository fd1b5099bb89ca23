// File: dtls/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package dtls

import "errors"

var (
	// ErrWantRead means the session needs more inbound records.
	ErrWantRead = errors.New("dtls: want read")
	// ErrWantWrite means the write BIO must be drained first.
	ErrWantWrite = errors.New("dtls: want write")

	ErrNotConnected = errors.New("dtls: not connected")
	ErrNoSession    = errors.New("dtls: no session")
	ErrHandshake    = errors.New("dtls: handshake failed")
	ErrShutdown     = errors.New("dtls: session shut down")
)

// BIO selects one of the two memory BIOs of a session.
type BIO uint8

const (
	// ReadSide holds datagrams received from the peer.
	ReadSide BIO = iota
	// WriteSide holds records waiting to be sent to the peer.
	WriteSide
)

func (b BIO) String() string {
	if b == ReadSide {
		return "rbio"
	}
	return "wbio"
}

// Role is the side of the handshake a session plays.
type Role uint8

const (
	Client Role = iota
	Server
)

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}

// Session is a secure channel driven entirely through memory BIOs.
//
// Handshake, Read, Write and Shutdown return ErrWantRead or ErrWantWrite
// when they cannot progress yet. Read returns io.EOF once the peer has
// closed the session.
type Session interface {
	Handshake() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Shutdown() error

	// Pending returns the bytes buffered in b. For WriteSide it is the
	// size of the next datagram ReadBIO will return.
	Pending(b BIO) int
	ReadBIO(b BIO, p []byte) (int, error)
	WriteBIO(b BIO, p []byte) (int, error)

	Close() error
}

// Context creates sessions. A context may be shared by many handles.
type Context interface {
	NewSession(role Role) (Session, error)
}

// isWant reports whether err asks for a retry.
func isWant(err error) bool {
	return errors.Is(err, ErrWantRead) || errors.Is(err, ErrWantWrite)
}

// Package dtls layers a secure datagram session on a udp.Handle.
//
// The engine never touches cryptography itself. It moves datagrams between
// the socket and a Session through two in-memory BIOs: every inbound
// datagram is written into the read BIO and everything the session leaves
// in the write BIO is sent to the peer. Handshake, read, write and shutdown
// calls on the session report ErrWantRead or ErrWantWrite when they need
// more I/O, and the engine retries them as datagrams arrive.
//
// NewNoiseContext provides the default session: a Noise XX handshake with
// ChaCha20-Poly1305 protected records.
package dtls

// Package x3dh implements the Extended Triple Diffie-Hellman key agreement.
//
// The initiator and responder each compute the same set of DH outputs with
// matching key-pair halves, so both sides derive an identical root key
// without ever being online at the same time. The package is pure: it
// performs no I/O and owns no state.
package x3dh

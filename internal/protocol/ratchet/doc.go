// Package ratchet implements the Double Ratchet over X25519 and
// ChaCha20-Poly1305.
//
// A symmetric HMAC-based KDF advances the chain key for every message;
// message keys are deleted immediately after use and cannot be recomputed
// from the post-advance chain key. A Diffie-Hellman ratchet step runs
// whenever the remote ratchet public key in a header changes. Message keys
// skipped during out-of-order delivery are retained in a bounded window
// keyed by (ratchet public key, counter).
//
// The package is pure; callers own persistence of the mutated state and
// must serialise access per session.
package ratchet

// Package crypto exposes the primitives used by the engine.
//
//   - X25519 key generation, clamping and Diffie-Hellman (GenerateX25519,
//     Clamp, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - Passphrase-derived key wrapping for backups (DeriveKEK, SealSecret,
//     OpenSecret)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// All functions return fixed-size array types defined in internal/domain to
// avoid accidental reallocations. Callers should treat returned secrets as
// sensitive and rely on memzero.Zero when practical.
package crypto

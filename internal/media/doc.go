// Package media encrypts file payloads with ephemeral per-file keys carried
// inside protocol-encrypted envelopes. It is independent of session state:
// the media ciphertext is safe to store anywhere, and useless without the
// envelope-protected key.
package media

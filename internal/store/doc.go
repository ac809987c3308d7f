// Package store implements the local key store.
//
// Private key material lives in JSON files under one directory; the identity
// is sealed with a passphrase-derived scrypt key, everything else relies on
// file permissions. All writes go through a temp-file-then-rename path so a
// crash never leaves a torn file. MemoryKeyStore is the in-memory double
// used by tests.
package store

// Package domain defines the types, interfaces and error taxonomy shared by
// the encryption engine.
//
// Key material uses fixed-size array types to avoid accidental reallocation
// of secrets. Store and client interfaces live here so services depend on
// abstractions with one production implementation and one in-memory test
// double each.
package domain

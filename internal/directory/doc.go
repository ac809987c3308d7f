// Package directory provides the HTTP client for the directory/backup
// collaborator: pre-key bundle publication and consumption, device
// registration and listing, store-and-forward of encrypted envelopes, and
// opaque backup blobs.
//
// All requests are JSON over HTTP and accept a context for cancellation and
// deadlines. Non-2xx statuses are returned as errors carrying the method,
// path and status text; retries are the caller's decision. The server side
// lives in the nested server package.
package directory

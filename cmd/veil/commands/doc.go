// Package commands implements the veil CLI surface. Commands are thin
// wrappers over the services wired in internal/app.
package commands

// Package client contains the HTTP clients a podsync device uses to talk to
// the optional family registry and change-notification relay.
//
// # Overview
//
// The package provides:
//  1. Registry, a client for the family lookup registry. A device that has
//     no persisted provider configuration asks the registry where its
//     family's pod file lives.
//  2. Relay, a client for the change-notification relay. After a successful
//     save a device notifies the relay; other devices subscribed to the
//     family's event socket (a websocket) receive a signal and re-check the remote file.
//
// Neither service is a source of truth. Every failure is reported to the
// caller, which is expected to log and continue.
//
// # Error Handling
//
// Common conditions are exposed as sentinel errors that callers can match with
// errors.Is: ErrUnavailable, ErrUnauthorized.
//
// Concurrency & Contexts
//
// Registry and Relay are safe for concurrent use. All operations accept
// context.Context and honor cancellation.
package client

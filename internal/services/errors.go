// Package services defines the business logic for classifying inbound
// events, syncing Slack threads into Zendesk tickets, relaying agent
// comments back, and managing channel lifecycle. This file centralizes
// common service-level error values so that they can be consistently
// returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer;
// translation into HTTP status codes or queue retry signaling is performed
// at the handler boundary.
package services

import "errors"

var (
	// ErrConversationNotFound indicates that no correlation record exists
	// for the referenced thread or external id. For edits/deletes this means
	// drop-and-log; for the relay path it is a client error.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrTenantMismatch indicates that a Zendesk webhook authenticated as
	// one connection tried to relay into a conversation owned by another.
	ErrTenantMismatch = errors.New("conversation belongs to another connection")

	// ErrMissingExternalID indicates a ticketing webhook without a usable
	// correlating id; malformed input, not retryable.
	ErrMissingExternalID = errors.New("missing or malformed external id")
)

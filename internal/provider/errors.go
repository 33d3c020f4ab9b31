// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// The four failure classes a streaming chat request can hit:
//
//   - AuthError:      credential/token exchange failed; fatal, not retried.
//   - TransportError: network failure, timeout, or a non-success status
//     without a parseable vendor envelope.
//   - VendorError:    the vendor reported a structured {code, message};
//     both are carried verbatim.
//   - DecodeError:    the vendor sent bytes we could not decode (invalid
//     text or malformed JSON inside an event).
//
// VendorError vs DecodeError is the load-bearing distinction: the first
// means "the vendor reported a problem it understands", the second means
// "the vendor misbehaved".

// AuthError indicates the credential or token exchange failed.
type AuthError struct {
	Message string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return "authentication failed: " + e.Message
}

// TransportError indicates a network-level failure or an unparseable
// non-success HTTP response.
type TransportError struct {
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport error (HTTP %d): %s", e.Status, e.Message)
	}
	if e.Err != nil {
		return "transport error: " + e.Err.Error()
	}
	return "transport error: " + e.Message
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// VendorError carries a vendor-defined error envelope unmodified.
type VendorError struct {
	Vendor  string
	Code    string
	Message string
}

// Error implements the error interface.
func (e *VendorError) Error() string {
	if e.Vendor != "" {
		return fmt.Sprintf("%s error [%s]: %s", e.Vendor, e.Code, e.Message)
	}
	return fmt.Sprintf("vendor error [%s]: %s", e.Code, e.Message)
}

// DecodeError indicates a malformed byte sequence or malformed JSON
// payload inside an event.
type DecodeError struct {
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return "decode error: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AsVendor extracts a VendorError from err, if present.
func AsVendor(err error) (*VendorError, bool) {
	var ve *VendorError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// IsDecode reports whether err is a decode/parse failure.
func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

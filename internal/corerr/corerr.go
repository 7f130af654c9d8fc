// Package corerr defines the error-kind taxonomy of spec §7, shared by
// internal/relay and internal/mls so callers can classify failures with
// errors.As instead of string matching.
package corerr

import "fmt"

// Kind is one of the named error categories of spec §7.
type Kind string

const (
	// Transport
	KindConnectFailed    Kind = "connect_failed"
	KindWriteFailed      Kind = "write_failed"
	KindReadFailed       Kind = "read_failed"
	KindCloseFailed      Kind = "close_failed"
	KindPingNotReplied   Kind = "ping_not_replied"
	KindPongNonceMismatch Kind = "pong_nonce_mismatch"

	// Protocol
	KindMessageTooLarge   Kind = "message_too_large"
	KindEventTooLarge     Kind = "event_too_large"
	KindTooManyTags       Kind = "too_many_tags"
	KindInvalidJSON       Kind = "invalid_json"
	KindUnknownVariant    Kind = "unknown_message_variant"
	KindNegentropyUnsupported Kind = "negentropy_unsupported"

	// Signature
	KindVerificationFailed Kind = "verification_failed"
	KindCanonicalMismatch  Kind = "canonical_mismatch"

	// Policy
	KindReadDisabled       Kind = "read_disabled"
	KindWriteDisabled      Kind = "write_disabled"
	KindBlacklistedID      Kind = "blacklisted_id"
	KindBlacklistedPubkey  Kind = "blacklisted_pubkey"
	KindNonWhitelistedPk   Kind = "non_whitelisted_pubkey"
	KindPoWTooLow          Kind = "pow_too_low"
	KindEventExpired       Kind = "event_expired"

	// State
	KindNotReady              Kind = "not_ready"
	KindNotConnected          Kind = "not_connected"
	KindTerminationRequested  Kind = "termination_requested"
	KindPrematureExit         Kind = "premature_exit"
	KindRelayMessageNegative  Kind = "relay_message_negative"
	KindMaxLatencyExceeded    Kind = "maximum_latency_exceeded"
	KindQueueFull             Kind = "outbound_queue_full"

	// Crypto
	KindDecryptFailed Kind = "decrypt_failed"
	KindHKDFFailed    Kind = "hkdf_failed"
	KindAEADFailed    Kind = "aead_failed"

	// MLS
	KindProviderError           Kind = "mls_provider_error"
	KindGroupNotFound           Kind = "mls_group_not_found"
	KindOwnLeafNotFound         Kind = "mls_own_leaf_not_found"
	KindCantLoadSigner          Kind = "mls_cant_load_signer"
	KindCannotDecryptOwnMessage Kind = "mls_cannot_decrypt_own_message"
	KindGroupIDMismatch         Kind = "mls_protocol_group_id_mismatch"
	KindProposalFromNonAdmin    Kind = "mls_proposal_from_non_admin"
	KindUnexpectedKind          Kind = "mls_unexpected_kind"
	KindExporterSecretMissing   Kind = "mls_exporter_secret_missing"
	KindNotImplemented          Kind = "mls_not_implemented"
	KindOnlyAdmins              Kind = "mls_only_admins"
	KindUnprocessable           Kind = "mls_unprocessable"

	// Storage
	KindStorage Kind = "storage"

	// Timeout
	KindTimeout Kind = "timeout"
)

// Error wraps a Kind, a message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if e, ok := err.(*Error); ok {
		ce = e
	} else {
		return false
	}
	return ce.Kind == kind
}

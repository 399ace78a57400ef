package crypto

import (
	"errors"
	"fmt"
)

// DecryptionErrorCode discriminates the sealed set of decryption failures so
// callers can match on them exhaustively instead of string-comparing errors.
type DecryptionErrorCode string

const (
	// CodeUnknownInboundSessionID: no usable inbound group session for the
	// event, either because the key never arrived or because the message
	// index is below the session's forward-secrecy floor.
	CodeUnknownInboundSessionID DecryptionErrorCode = "UNKNOWN_INBOUND_SESSION_ID"
	// CodeDuplicateMessageIndex: a second ciphertext claimed an already-used
	// message index. Treated as a replay attempt, never retried.
	CodeDuplicateMessageIndex DecryptionErrorCode = "DUPLICATED_MESSAGE_INDEX"
	// CodeMismatchedRoomID: the session the event references belongs to a
	// different room than the event was delivered in.
	CodeMismatchedRoomID DecryptionErrorCode = "MISMATCHED_ROOM_ID"
	// CodeMismatchedSender: the decrypted olm payload was bound to a
	// different sender or recipient than the transport claimed.
	CodeMismatchedSender DecryptionErrorCode = "MISMATCHED_SENDER"
	// CodeBadEncryptedMessage: the ciphertext itself is malformed or fails
	// authentication. Non-retryable.
	CodeBadEncryptedMessage DecryptionErrorCode = "BAD_ENCRYPTED_MESSAGE"
	// CodeUnsupportedAlgorithm: the event names an algorithm this engine
	// does not implement.
	CodeUnsupportedAlgorithm DecryptionErrorCode = "UNSUPPORTED_ALGORITHM"
	// CodeUnableToDecrypt: generic terminal failure.
	CodeUnableToDecrypt DecryptionErrorCode = "UNABLE_TO_DECRYPT"
)

// DecryptionError is the typed failure returned across the decrypt boundary.
type DecryptionError struct {
	Code    DecryptionErrorCode
	Wrapped error
}

func (e *DecryptionError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Wrapped)
	}
	return string(e.Code)
}

func (e *DecryptionError) Unwrap() error {
	return e.Wrapped
}

func decryptionError(code DecryptionErrorCode, wrapped error) *DecryptionError {
	return &DecryptionError{Code: code, Wrapped: wrapped}
}

// DecryptionErrorCodeOf extracts the code from an error, or an empty string
// if the error is not a DecryptionError.
func DecryptionErrorCodeOf(err error) DecryptionErrorCode {
	var derr *DecryptionError
	if errors.As(err, &derr) {
		return derr.Code
	}
	return ""
}

var (
	// ErrNoOneTimeKeys is returned when the server has no one-time keys left
	// for a device. Retryable: the target device may upload more.
	ErrNoOneTimeKeys = errors.New("no one-time keys available for device")
	// ErrDeviceNotFound is returned when a device is not in the store.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrSessionNotFound is returned when no stored session matches.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoCrossSigningKeys is returned when an operation needs cross-signing
	// keys that have not been generated or fetched.
	ErrNoCrossSigningKeys = errors.New("cross-signing keys not available")
)

// UIAError is returned by Client.UploadCrossSigningKeys when the server
// challenges the upload with user-interactive auth. The engine retries with
// credentials from the caller's auth callback, echoing the session id.
type UIAError struct {
	SessionID string
	Flows     []string
}

func (e *UIAError) Error() string {
	return fmt.Sprintf("user-interactive auth required (session %s)", e.SessionID)
}

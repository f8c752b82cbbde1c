package dtm

import "errors"

var (
	// ErrNotEstablished is returned for traffic operations before the
	// exchange completes.
	ErrNotEstablished = errors.New("dtm: session not established")
	// ErrClosed is returned once the endpoint has shut down.
	ErrClosed = errors.New("dtm: session closed")
	// ErrExchangeTimeout is surfaced when the peer stays silent past the
	// configured timeout during any exchange phase.
	ErrExchangeTimeout = errors.New("dtm: exchange timed out")
	// ErrAuthenticationFailed covers MAC mismatches and decrypt failures.
	ErrAuthenticationFailed = errors.New("dtm: authentication failed")
	// ErrPeerRefused is surfaced when the peer sends Service/Refusal.
	ErrPeerRefused = errors.New("dtm: peer refused the exchange")
	// ErrProtocol covers malformed frames and sequencing violations that
	// survive a resend cycle.
	ErrProtocol = errors.New("dtm: protocol violation")
	// ErrPayloadTooLarge is surfaced when a receive or reassembly exceeds
	// the session's maximum allocation.
	ErrPayloadTooLarge = errors.New("dtm: payload exceeds maximum allocation")
	// ErrHostVetoed is returned locally when the host cancels the peer's
	// identity.
	ErrHostVetoed = errors.New("dtm: host refused peer identity")
	// ErrFileRefused is surfaced when the receiver declines a transfer.
	ErrFileRefused = errors.New("dtm: peer refused file transfer")
)

package domain

import "errors"

// Settlement error taxonomy. Handlers map these to HTTP statuses; the
// distinction between ErrMintAuthorization (fatal misconfiguration) and
// other mint failures (retryable) matters for alerting.
var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderExpired         = errors.New("order expired")
	ErrPaymentNotConfirmed  = errors.New("payment not confirmed by processor")
	ErrBadSignature         = errors.New("invalid webhook signature")
	ErrMintAuthorization    = errors.New("signing key is not the token minting authority")
	ErrSettlementInProgress = errors.New("settlement already in progress")
)

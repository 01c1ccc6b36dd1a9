package model

import "errors"

// Error taxonomy of the engine. Components wrap these with context via
// fmt.Errorf("%w: ...") and callers match with errors.Is.
var (
	ErrInvalidInput            = errors.New("fund: invalid input")
	ErrInvalidAmount           = errors.New("fund: invalid amount")
	ErrInvalidShares           = errors.New("fund: invalid shares")
	ErrInvalidFee              = errors.New("fund: invalid fee")
	ErrInsufficientFunds       = errors.New("fund: insufficient funds")
	ErrMathOverflow            = errors.New("fund: math overflow")
	ErrInvalidWithdrawalStatus = errors.New("fund: invalid withdrawal status")
	ErrSlippageExceeded        = errors.New("fund: slippage exceeded")
	ErrInvocationFailed        = errors.New("fund: external invocation failed")

	ErrUnauthorized  = errors.New("fund: unauthorized")
	ErrNotFound      = errors.New("fund: not found")
	ErrAlreadyExists = errors.New("fund: already exists")
)

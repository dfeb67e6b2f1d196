package domain

import "errors"

var (
	ErrInvalidSeverity  = errors.New("invalid alert severity")
	ErrMalformedEvent   = errors.New("malformed webhook event")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

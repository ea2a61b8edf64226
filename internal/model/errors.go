package model

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrModemUnavailable  = errors.New("modem unavailable")
	ErrModemBusy         = errors.New("modem is leased by an activation")
	ErrInvalidTransition = errors.New("invalid activation status transition")
)

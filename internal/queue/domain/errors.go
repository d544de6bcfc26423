package domain

import "errors"

var (
	ErrConsumerAlreadyRegistered = errors.New("consumer already registered")
	ErrConsumerInvalid           = errors.New("invalid consumer definition")
	ErrUnknownEvent              = errors.New("unknown event name")
	ErrGuardFailed               = errors.New("consumer guard failed")
	ErrTxRequired                = errors.New("enqueue requires the caller's transaction")
	ErrMalformedPayload          = errors.New("malformed payload")
	ErrMessageNotFound           = errors.New("queue message not found")
	ErrEventNotFound             = errors.New("event not found")
	// ErrLeaseLost: otro worker reclamó el mensaje (read_count cambió) antes de registrar el resultado.
	ErrLeaseLost = errors.New("queue message lease lost")
)

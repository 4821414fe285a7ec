package services

import "errors"

// Errors returned by AccountService. Handlers map them to HTTP statuses;
// anything else is an internal error.
var (
	ErrValidation         = errors.New("validation failed")
	ErrEmailInUse         = errors.New("email in use")
	ErrInvalidCredentials = errors.New("email or password is wrong")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrNotFound           = errors.New("user not found")
	ErrAlreadyVerified    = errors.New("verification has already been passed")
	ErrNoFile             = errors.New("no file provided")
	ErrProcessing         = errors.New("image could not be processed")
	ErrDispatch           = errors.New("email could not be sent")
)

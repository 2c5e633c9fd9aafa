package download

import "errors"

var (
	ErrInvalidSignature   = errors.New("invalid license signature")
	ErrLicenseNotFound    = errors.New("license not found")
	ErrDownloadsExhausted = errors.New("downloads exhausted")
	ErrMalformedRequest   = errors.New("malformed download request")
	ErrForbidden          = errors.New("expired or tampered download url")
	ErrTokenNotFound      = errors.New("download token not found")
	ErrTokenAlreadyUsed   = errors.New("download token already used")
)

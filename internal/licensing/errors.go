package licensing

import "errors"

var (
	ErrInvalidSKU       = errors.New("unknown sku")
	ErrQuoteNotFound    = errors.New("payment quote not found")
	ErrNotPaid          = errors.New("payment quote not paid")
	ErrAlreadyMinted    = errors.New("license already minted")
	ErrInvalidSignature = errors.New("invalid license signature")
	ErrWrongKind        = errors.New("wrong license kind")
	ErrLicenseNotFound  = errors.New("license not found")
	ErrLicenseExpired   = errors.New("license expired")
	ErrQuotaExhausted   = errors.New("quota exhausted")
)

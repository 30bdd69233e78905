package consent

import "errors"

var (
	ErrPatientNotFound       = errors.New("patient not found")
	ErrConsentIssuanceFailed = errors.New("consent issuance failed")
	ErrConsentRevokeFailed   = errors.New("consent revocation failed")
	ErrMalformedConsent      = errors.New("malformed consent record")
	ErrWriteConflict         = errors.New("consent changed concurrently")
	ErrInvalidArgument       = errors.New("invalid argument")
)

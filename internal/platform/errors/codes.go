// Package errors provides structured, code-tagged error handling.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request errors
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// Marketplace errors
	CodeInvalidFee Code = "INVALID_FEE"

	// Listing errors
	CodeSkillIDTooLong Code = "SKILL_ID_TOO_LONG"
	CodeInvalidPrice   Code = "INVALID_PRICE"
	CodeInvalidSkill   Code = "INVALID_SKILL"
	CodeSkillNotActive Code = "SKILL_NOT_ACTIVE"

	// License errors
	CodeLicenseInactive Code = "LICENSE_INACTIVE"
	CodeLicenseExpired  Code = "LICENSE_EXPIRED"

	// Authorization errors
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeGrantInvalid Code = "GRANT_INVALID"
	CodeGrantExpired Code = "GRANT_EXPIRED"

	// Ledger errors
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeArithmeticOverflow Code = "ARITHMETIC_OVERFLOW"

	// Storage errors
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"

	// Internal errors
	CodeInternal Code = "INTERNAL"
)

// HTTPStatus maps an error code to the HTTP status used by the JSON API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest, CodeInvalidFee, CodeSkillIDTooLong, CodeInvalidPrice, CodeInvalidSkill:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeGrantInvalid, CodeGrantExpired:
		return http.StatusUnauthorized
	case CodeSkillNotActive, CodeLicenseInactive, CodeLicenseExpired:
		return http.StatusConflict
	case CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeArithmeticOverflow, CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Package errors provides coded domain errors with localized user messages.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request validation
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeLabInvalidOSVariant Code = "LAB_INVALID_OS_VARIANT"
	CodeLabUserRequired     Code = "LAB_USER_REQUIRED"
	CodeCreditInvalidAmount Code = "CREDIT_INVALID_AMOUNT"

	// Session state
	CodeActiveSessionExists Code = "ACTIVE_SESSION_EXISTS"
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
	CodeSessionNotActive    Code = "SESSION_NOT_ACTIVE"
	CodeSessionNotRunning   Code = "SESSION_NOT_RUNNING"

	// Storage
	CodeNotFound Code = "NOT_FOUND"

	// Access
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeSignatureInvalid Code = "SIGNATURE_INVALID"
	CodeSignatureExpired Code = "SIGNATURE_EXPIRED"

	// Infrastructure
	CodeProvisioningFailed        Code = "PROVISIONING_FAILED"
	CodeInfrastructureUnavailable Code = "INFRASTRUCTURE_UNAVAILABLE"
)

// Kind groups codes into the categories callers branch on.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindConflict        Kind = "conflict"
	KindNotFound        Kind = "not_found"
	KindUnauthenticated Kind = "unauthenticated"
	KindPermission      Kind = "permission"
	KindProvisioning    Kind = "provisioning"
	KindInfrastructure  Kind = "infrastructure"
)

// Kind returns the category for c. Unknown codes are infrastructure errors.
func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidRequest,
		CodeLabInvalidOSVariant,
		CodeLabUserRequired,
		CodeCreditInvalidAmount:
		return KindValidation
	case CodeActiveSessionExists,
		CodeInsufficientCredits,
		CodeSessionNotActive,
		CodeSessionNotRunning:
		return KindConflict
	case CodeNotFound:
		return KindNotFound
	case CodeUnauthenticated:
		return KindUnauthenticated
	case CodePermissionDenied,
		CodeSignatureInvalid,
		CodeSignatureExpired:
		return KindPermission
	case CodeProvisioningFailed:
		return KindProvisioning
	default:
		return KindInfrastructure
	}
}

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c.Kind() {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindProvisioning:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

package i18n

// Error codes must match the codes defined in internal/platform/errors/codes.go.
// These are duplicated as strings to avoid an import cycle.
const (
	CodeInvalidRequest            = "INVALID_REQUEST"
	CodeLabInvalidOSVariant       = "LAB_INVALID_OS_VARIANT"
	CodeLabUserRequired           = "LAB_USER_REQUIRED"
	CodeCreditInvalidAmount       = "CREDIT_INVALID_AMOUNT"
	CodeActiveSessionExists       = "ACTIVE_SESSION_EXISTS"
	CodeInsufficientCredits       = "INSUFFICIENT_CREDITS"
	CodeSessionNotActive          = "SESSION_NOT_ACTIVE"
	CodeSessionNotRunning         = "SESSION_NOT_RUNNING"
	CodeNotFound                  = "NOT_FOUND"
	CodeUnauthenticated           = "UNAUTHENTICATED"
	CodePermissionDenied          = "PERMISSION_DENIED"
	CodeSignatureInvalid          = "SIGNATURE_INVALID"
	CodeSignatureExpired          = "SIGNATURE_EXPIRED"
	CodeProvisioningFailed        = "PROVISIONING_FAILED"
	CodeInfrastructureUnavailable = "INFRASTRUCTURE_UNAVAILABLE"
)

var enUSMessages = map[Code]string{
	CodeInvalidRequest:            "The request could not be read.",
	CodeLabInvalidOSVariant:       "{{if .OSType}}{{.OSType}} is not a supported operating system.{{else}}An operating system is required.{{end}} Choose Ubuntu, Rocky Linux, or OpenSUSE.",
	CodeLabUserRequired:           "A user is required.",
	CodeCreditInvalidAmount:       "Credit amounts must be positive whole numbers.",
	CodeActiveSessionExists:       "You already have an active lab session ({{.SessionID}}).",
	CodeInsufficientCredits:       "You do not have enough credits to start a lab session.",
	CodeSessionNotActive:          "This lab session has already ended.",
	CodeSessionNotRunning:         "This lab session is not ready to connect yet.",
	CodeNotFound:                  "The requested lab session was not found.",
	CodeUnauthenticated:           "Sign in to continue.",
	CodePermissionDenied:          "You do not have access to this resource.",
	CodeSignatureInvalid:          "The connection link is invalid.",
	CodeSignatureExpired:          "The connection link has expired. Request a new one.",
	CodeProvisioningFailed:        "The lab environment could not be prepared.",
	CodeInfrastructureUnavailable: "The lab service is temporarily unavailable. Try again shortly.",
}

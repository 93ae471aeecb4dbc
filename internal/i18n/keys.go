// internal/i18n/keys.go
package i18n

// Translation keys constants
const (
	// Authentication
	KeyAuthRequired     = "auth.required"
	KeyAuthInvalidToken = "auth.invalid_token"
	KeyAuthTokenExpired = "auth.token_expired"
	KeyAuthUnknownRole  = "auth.unknown_role"

	// Admin
	KeyAdminAccessDenied = "admin.access_denied"

	// Request handling
	KeyValidationInvalid     = "validation.invalid"
	KeyRateLimitExceeded     = "rate_limit.exceeded"
	KeyIdempotencyInProgress = "idempotency.in_progress"
	KeyIdempotencyKeyInvalid = "idempotency.invalid_key"
	KeyInternalError         = "error.internal"

	// Licenses
	KeyLicenseCreated      = "license.created"
	KeyLicenseSubmitted    = "license.submitted"
	KeyLicenseDecided      = "license.decided"
	KeyLicenseSigned       = "license.signed"
	KeyLicenseExecuted     = "license.executed"
	KeyLicenseTransitioned = "license.transitioned"

	// Amendments
	KeyAmendmentProposed = "amendment.proposed"
	KeyAmendmentDecided  = "amendment.decided"

	// Extensions
	KeyExtensionRequested = "extension.requested"
	KeyExtensionApplied   = "extension.applied"
	KeyExtensionDecided   = "extension.decided"

	// Renewals
	KeyRenewalOfferGenerated = "renewal.offer_generated"
	KeyRenewalAccepted       = "renewal.accepted"
	KeyRenewalRejected       = "renewal.rejected"

	// Verification
	KeyVerificationSuccess = "verification.success"
	KeyVerificationFailed  = "verification.failed"

	// Sweeps
	KeySweepCompleted = "sweep.completed"
)

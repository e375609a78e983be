package models

import (
	"sort"
	"strings"

	"github.com/asaskevich/govalidator"

	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
	"tenancy/pkg/email"
)

const (
	MinPasswordLength   = 8
	MaxPasswordLength   = 100
	passwordSpecials    = "@$!%*?&"
	phonePattern        = `^[+]?[0-9]{10,15}$`
	passwordCharPattern = `^[A-Za-z0-9@$!%*?&]+$`
)

// SignupRequest is the unauthenticated company signup payload.
type SignupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	CompanyName string `json:"companyName"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Phone       string `json:"phone,omitempty"`
}

// Normalize trims free-text fields and lower-cases the email.
// The password is left untouched.
func (r *SignupRequest) Normalize() {
	if r == nil {
		return
	}
	r.Email = email.Normalize(r.Email)
	r.CompanyName = strings.TrimSpace(r.CompanyName)
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.Phone = strings.TrimSpace(r.Phone)
}

// Validate reports every invalid field at once. The returned error carries
// CodeValidation and wraps FieldErrors.
func (r *SignupRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	fields := FieldErrors{}

	switch {
	case r.Email == "":
		fields["email"] = "Email is required"
	case !email.IsValid(r.Email):
		fields["email"] = "Invalid email format"
	}

	if msg := passwordProblem(r.Password); msg != "" {
		fields["password"] = msg
	}

	switch {
	case r.CompanyName == "":
		fields["companyName"] = "Company name is required"
	case !govalidator.RuneLength(r.CompanyName, "2", "255"):
		fields["companyName"] = "Company name must be between 2 and 255 characters"
	}

	switch {
	case r.FirstName == "":
		fields["firstName"] = "First name is required"
	case !govalidator.RuneLength(r.FirstName, "1", "100"):
		fields["firstName"] = "First name must be between 1 and 100 characters"
	}

	switch {
	case r.LastName == "":
		fields["lastName"] = "Last name is required"
	case !govalidator.RuneLength(r.LastName, "1", "100"):
		fields["lastName"] = "Last name must be between 1 and 100 characters"
	}

	if r.Phone != "" && !govalidator.Matches(r.Phone, phonePattern) {
		fields["phone"] = "Invalid phone number format. Must be 10-15 digits, optionally starting with +"
	}

	if len(fields) > 0 {
		return dErrors.Wrap(fields, dErrors.CodeValidation, "invalid signup request")
	}
	return nil
}

func passwordProblem(password string) string {
	if password == "" {
		return "Password is required"
	}
	if len(password) < MinPasswordLength || len(password) > MaxPasswordLength {
		return "Password must be between 8 and 100 characters"
	}
	if !govalidator.Matches(password, passwordCharPattern) {
		return "Password may only contain letters, digits and @$!%*?&"
	}
	var lower, upper, digit, special bool
	for _, c := range password {
		switch {
		case c >= 'a' && c <= 'z':
			lower = true
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= '0' && c <= '9':
			digit = true
		case strings.ContainsRune(passwordSpecials, c):
			special = true
		}
	}
	if !lower || !upper || !digit || !special {
		return "Password must contain at least one uppercase letter, one lowercase letter, one number, and one special character"
	}
	return ""
}

// FieldErrors maps a payload field to its validation message.
type FieldErrors map[string]string

func (f FieldErrors) Error() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+f[k])
	}
	return strings.Join(parts, "; ")
}

// SignupState is the furthest step a signup attempt reached.
type SignupState string

const (
	SignupStateStart                        SignupState = "start"
	SignupStateEmailUniquenessChecked       SignupState = "email_uniqueness_checked"
	SignupStateCompanyNameUniquenessChecked SignupState = "company_name_uniqueness_checked"
	SignupStateTenantIDAssigned             SignupState = "tenant_id_assigned"
	SignupStateDomainReserved               SignupState = "domain_reserved"
	SignupStateTenantRecordCreated          SignupState = "tenant_record_created"
	SignupStateIdentityPrincipalCreated     SignupState = "identity_principal_created"
	SignupStateCompleted                    SignupState = "completed"
)

// SignupOutcome is the terminal result of a signup attempt.
type SignupOutcome string

const (
	SignupCompleted      SignupOutcome = "completed"
	SignupRejected       SignupOutcome = "rejected"
	SignupPartialFailure SignupOutcome = "partial_failure"
)

// RejectionKind is a stable machine-readable rejection reason.
type RejectionKind string

const (
	RejectionEmailExists             RejectionKind = "EMAIL_EXISTS"
	RejectionCompanyExists           RejectionKind = "COMPANY_EXISTS"
	RejectionDomainLocked            RejectionKind = "DOMAIN_LOCKED"
	RejectionIdentityProviderFailure RejectionKind = "IDENTITY_PROVIDER_FAILURE"
)

// Code maps the rejection to its domain error code.
func (k RejectionKind) Code() dErrors.Code {
	switch k {
	case RejectionEmailExists:
		return dErrors.CodeEmailExists
	case RejectionCompanyExists:
		return dErrors.CodeCompanyExists
	case RejectionDomainLocked:
		return dErrors.CodeDomainLocked
	case RejectionIdentityProviderFailure:
		return dErrors.CodeIdentityProvider
	default:
		return dErrors.CodeInternal
	}
}

// Rejection describes why no tenant was created.
type Rejection struct {
	Kind    RejectionKind
	Message string
	// ExistingContact is the contact email of the tenant that already owns the
	// company name, offered as a manual-join hint.
	ExistingContact string
	CompanyName     string
}

// SignupResult is the tagged outcome of a signup attempt.
//
//   - Completed: TenantID and PrincipalID set, Status is PendingEmailVerification.
//   - Rejected: Rejection set, nothing was created.
//   - PartialFailure: TenantID set, Status is PendingIdentityProviderSetup.
type SignupResult struct {
	Outcome                    SignupOutcome
	State                      SignupState
	TenantID                   id.TenantID
	PrincipalID                id.PrincipalID
	Status                     TenantStatus
	RequiresEmailVerification  bool
	VerificationResendRequired bool
	Rejection                  *Rejection
	// Cause is the identity provider error behind a partial failure.
	Cause string
}

func (r *SignupResult) IsRejected() bool {
	return r.Outcome == SignupRejected
}

// Rejected builds a rejected result at the given state.
func Rejected(state SignupState, rejection Rejection) *SignupResult {
	return &SignupResult{Outcome: SignupRejected, State: state, Rejection: &rejection}
}

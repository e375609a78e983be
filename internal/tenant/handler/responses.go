package handler

import "tenancy/internal/tenant/models"

type emailRequest struct {
	Email string `json:"email"`
}

type signupResponse struct {
	Success                    bool   `json:"success"`
	Message                    string `json:"message"`
	TenantID                   string `json:"tenantId"`
	UserID                     string `json:"userId"`
	RequiresEmailVerification  bool   `json:"requiresEmailVerification"`
	VerificationResendRequired bool   `json:"verificationResendRequired"`
}

func newSignupResponse(result *models.SignupResult) signupResponse {
	message := "Account created successfully. Please verify your email to continue."
	if result.VerificationResendRequired {
		message = "Account created successfully. We could not send the verification email; please request a new one."
	}
	return signupResponse{
		Success:                    true,
		Message:                    message,
		TenantID:                   result.TenantID.String(),
		UserID:                     result.PrincipalID.String(),
		RequiresEmailVerification:  result.RequiresEmailVerification,
		VerificationResendRequired: result.VerificationResendRequired,
	}
}

// authErrorResponse is the failure body of the onboarding routes. Success is
// always false.
type authErrorResponse struct {
	Success     bool              `json:"success"`
	Error       string            `json:"error"`
	Message     string            `json:"message"`
	CompanyName string            `json:"companyName,omitempty"`
	AdminEmail  string            `json:"adminEmail,omitempty"`
	TenantID    string            `json:"tenantId,omitempty"`
	Status      string            `json:"status,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type availabilityResponse struct {
	Available bool `json:"available"`
}

type tenantContextResponse struct {
	TokenTenantID   string `json:"jwtTenantId"`
	ContextTenantID string `json:"contextTenantId"`
	SessionTenantID string `json:"sessionTenantId,omitempty"`
	SessionBinding  string `json:"sessionBinding"`
	Consistent      bool   `json:"consistent"`
}

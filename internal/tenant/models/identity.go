package models

import id "tenancy/pkg/domain"

const (
	UserTypeCompanyAdmin = "company_admin"

	RequiredActionUpdatePassword = "UPDATE_PASSWORD"
	RequiredActionVerifyEmail    = "VERIFY_EMAIL"
)

// PrincipalRequest is what the identity provider needs to create the tenant's
// first user. Secret may be empty when RequiredActions forces a reset.
type PrincipalRequest struct {
	Email           string
	Secret          string
	FirstName       string
	LastName        string
	TenantID        id.TenantID
	CompanyName     string
	UserType        string
	RequiredActions []string
}

// Attributes returns the custom attributes stored on the principal.
func (r PrincipalRequest) Attributes() map[string][]string {
	userType := r.UserType
	if userType == "" {
		userType = UserTypeCompanyAdmin
	}
	return map[string][]string{
		"tenant_id":    {r.TenantID.String()},
		"user_type":    {userType},
		"company_name": {r.CompanyName},
	}
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"

	"tenancy/internal/tenant/models"
	id "tenancy/pkg/domain"
	"tenancy/pkg/platform/sentinel"
)

func (s *SignupSuite) TestRetryPendingProvisioningCreatesResetPrincipal() {
	s.seedTenant("aaaaaaaaaaaa", "Acme", "ada.lovelace@acme.io", models.TenantStatusPendingIdentityProviderSetup)

	var captured models.PrincipalRequest
	s.idp.EXPECT().FindByEmail(gomock.Any(), "ada.lovelace@acme.io").Return(id.PrincipalID(""), sentinel.ErrNotFound)
	s.idp.EXPECT().CreatePrincipal(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req models.PrincipalRequest) (id.PrincipalID, error) {
			captured = req
			return "kc-7", nil
		})
	s.idp.EXPECT().SendVerification(gomock.Any(), id.PrincipalID("kc-7")).Return(nil)

	n, err := s.svc.RetryPendingProvisioning(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	s.Empty(captured.Secret)
	s.Equal("Ada", captured.FirstName)
	s.Equal("Lovelace", captured.LastName)
	s.ElementsMatch([]string{models.RequiredActionUpdatePassword, models.RequiredActionVerifyEmail}, captured.RequiredActions)

	stored, err := s.tenants.FindByTenantID(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.Equal(models.TenantStatusPendingEmailVerification, stored.Status)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ProvisioningRetries.WithLabelValues("succeeded")))
}

func (s *SignupSuite) TestRetryPendingProvisioningReusesLatePrincipal() {
	s.seedTenant("aaaaaaaaaaaa", "Acme", "ada@acme.io", models.TenantStatusPendingIdentityProviderSetup)
	s.idp.EXPECT().FindByEmail(gomock.Any(), "ada@acme.io").Return(id.PrincipalID("kc-late"), nil)
	s.idp.EXPECT().SendVerification(gomock.Any(), id.PrincipalID("kc-late")).Return(nil)

	n, err := s.svc.RetryPendingProvisioning(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *SignupSuite) TestRetryPendingProvisioningKeepsFailedTenantsPending() {
	s.seedTenant("aaaaaaaaaaaa", "Acme", "ada@acme.io", models.TenantStatusPendingIdentityProviderSetup)
	s.seedTenant("bbbbbbbbbbbb", "Done", "done@done.io", models.TenantStatusActive)
	s.idp.EXPECT().FindByEmail(gomock.Any(), "ada@acme.io").Return(id.PrincipalID(""), sentinel.ErrNotFound)
	s.idp.EXPECT().CreatePrincipal(gomock.Any(), gomock.Any()).Return(id.PrincipalID(""), errors.New("realm down"))

	n, err := s.svc.RetryPendingProvisioning(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)

	stored, err := s.tenants.FindByTenantID(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.Equal(models.TenantStatusPendingIdentityProviderSetup, stored.Status)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ProvisioningRetries.WithLabelValues("failed")))
}

func (s *SignupSuite) TestPartialSignupIsCompletedByTheWorker() {
	s.expectEmailFree()
	s.idp.EXPECT().CreatePrincipal(gomock.Any(), gomock.Any()).Return(id.PrincipalID(""), errors.New("timeout"))

	result, err := s.svc.Signup(s.ctx, signupRequest("ada@acme.io", "Acme"))
	s.Require().NoError(err)
	s.Require().Equal(models.SignupPartialFailure, result.Outcome)

	s.idp.EXPECT().FindByEmail(gomock.Any(), "ada@acme.io").Return(id.PrincipalID(""), sentinel.ErrNotFound)
	s.idp.EXPECT().CreatePrincipal(gomock.Any(), gomock.Any()).Return(id.PrincipalID("kc-1"), nil)
	s.idp.EXPECT().SendVerification(gomock.Any(), id.PrincipalID("kc-1")).Return(nil)

	ctx, cancel := context.WithCancel(s.ctx)
	worker := NewProvisioningWorker(s.svc, 10*time.Millisecond, nil)
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	s.Eventually(func() bool {
		t, err := s.tenants.FindByTenantID(s.ctx, result.TenantID)
		return err == nil && t.Status == models.TenantStatusPendingEmailVerification
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	s.ErrorIs(<-done, context.Canceled)
}

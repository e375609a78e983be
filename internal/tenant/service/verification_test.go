package service

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"

	"tenancy/internal/tenant/models"
	"tenancy/internal/tenant/service/mocks"
	"tenancy/internal/tenant/store/cooldown"
	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
	"tenancy/pkg/platform/sentinel"
)

func (s *SignupSuite) TestCheckEmailAvailability() {
	s.seedTenant("aaaaaaaaaaaa", "Existing", "taken@acme.io", models.TenantStatusActive)

	s.Run("free everywhere", func() {
		s.idp.EXPECT().ExistsByEmail(gomock.Any(), "free@acme.io").Return(false, nil)
		ok, err := s.svc.CheckEmailAvailability(s.ctx, " Free@Acme.io ")
		s.Require().NoError(err)
		s.True(ok)
	})

	s.Run("taken in the store", func() {
		s.idp.EXPECT().ExistsByEmail(gomock.Any(), "taken@acme.io").Return(false, nil)
		ok, err := s.svc.CheckEmailAvailability(s.ctx, "taken@acme.io")
		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("taken in the identity provider", func() {
		s.idp.EXPECT().ExistsByEmail(gomock.Any(), "idp@acme.io").Return(true, nil)
		ok, err := s.svc.CheckEmailAvailability(s.ctx, "idp@acme.io")
		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("identity provider failure", func() {
		s.idp.EXPECT().ExistsByEmail(gomock.Any(), "x@acme.io").Return(false, errors.New("dial tcp: refused"))
		_, err := s.svc.CheckEmailAvailability(s.ctx, "x@acme.io")
		s.True(dErrors.HasCode(err, dErrors.CodeIdentityProvider))
	})

	s.Run("invalid email", func() {
		_, err := s.svc.CheckEmailAvailability(s.ctx, "nope")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *SignupSuite) TestResendVerification() {
	s.svc = s.newOrchestrator(WithResendCooldown(cooldown.NewInMemory(), time.Minute))
	s.seedTenant("aaaaaaaaaaaa", "Acme", "ada@acme.io", models.TenantStatusPendingEmailVerification)

	s.idp.EXPECT().FindByEmail(gomock.Any(), "ada@acme.io").Return(id.PrincipalID("kc-1"), nil)
	s.idp.EXPECT().SendVerification(gomock.Any(), id.PrincipalID("kc-1")).Return(nil)
	s.Require().NoError(s.svc.ResendVerification(s.ctx, "ADA@acme.io"))

	s.Run("second resend inside the cooldown is rate limited", func() {
		err := s.svc.ResendVerification(s.ctx, "ada@acme.io")
		s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))
		s.Equal(1.0, testutil.ToFloat64(s.metrics.VerificationThrottled))
	})
}

func (s *SignupSuite) TestResendVerificationRejections() {
	s.seedTenant("aaaaaaaaaaaa", "Active Co", "active@acme.io", models.TenantStatusActive)
	s.seedTenant("bbbbbbbbbbbb", "Pending Co", "pending@acme.io", models.TenantStatusPendingIdentityProviderSetup)
	s.seedTenant("cccccccccccc", "Orphan Co", "orphan@acme.io", models.TenantStatusPendingEmailVerification)

	s.Run("unknown email", func() {
		err := s.svc.ResendVerification(s.ctx, "ghost@acme.io")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
	s.Run("already verified", func() {
		err := s.svc.ResendVerification(s.ctx, "active@acme.io")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
	s.Run("principal not yet created", func() {
		err := s.svc.ResendVerification(s.ctx, "pending@acme.io")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
	s.Run("principal missing in identity provider", func() {
		s.idp.EXPECT().FindByEmail(gomock.Any(), "orphan@acme.io").Return(id.PrincipalID(""), sentinel.ErrNotFound)
		err := s.svc.ResendVerification(s.ctx, "orphan@acme.io")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
	s.Run("send failure", func() {
		s.idp.EXPECT().FindByEmail(gomock.Any(), "orphan@acme.io").Return(id.PrincipalID("kc-9"), nil)
		s.idp.EXPECT().SendVerification(gomock.Any(), id.PrincipalID("kc-9")).Return(errors.New("smtp down"))
		err := s.svc.ResendVerification(s.ctx, "orphan@acme.io")
		s.True(dErrors.HasCode(err, dErrors.CodeIdentityProvider))
	})
}

func (s *SignupSuite) TestResendVerificationProceedsWhenCooldownBackendFails() {
	backend := mocks.NewMockCooldown(s.ctrl)
	backend.EXPECT().Acquire(gomock.Any(), "resend-verification:ada@acme.io", 30*time.Second).
		Return(false, errors.New("redis: connection refused"))
	s.svc = s.newOrchestrator(WithResendCooldown(backend, 30*time.Second))
	s.seedTenant("aaaaaaaaaaaa", "Acme", "ada@acme.io", models.TenantStatusPendingEmailVerification)

	s.idp.EXPECT().FindByEmail(gomock.Any(), "ada@acme.io").Return(id.PrincipalID("kc-1"), nil)
	s.idp.EXPECT().SendVerification(gomock.Any(), id.PrincipalID("kc-1")).Return(nil)

	s.NoError(s.svc.ResendVerification(s.ctx, "ada@acme.io"))
}

// Package memory is a process-local identity provider used when no Keycloak
// realm is configured and in tests. Passwords are stored as bcrypt hashes.
package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tenancy/internal/tenant/models"
	"tenancy/internal/tenant/secrets"
	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
	"tenancy/pkg/platform/sentinel"
)

// Operation names an identity provider call for failure injection.
type Operation string

const (
	OpCreatePrincipal  Operation = "create_principal"
	OpSendVerification Operation = "send_verification"
	OpExistsByEmail    Operation = "exists_by_email"
	OpFindByEmail      Operation = "find_by_email"
)

// Principal is a stored user.
type Principal struct {
	ID                id.PrincipalID
	Email             string
	PasswordHash      string
	FirstName         string
	LastName          string
	Attributes        map[string][]string
	RequiredActions   []string
	EmailVerified     bool
	VerificationsSent int
	CreatedAt         time.Time
}

type IdentityProvider struct {
	mu         sync.RWMutex
	principals map[id.PrincipalID]*Principal
	byEmail    map[string]id.PrincipalID
	failures   map[Operation]error
	now        func() time.Time
}

func New() *IdentityProvider {
	return &IdentityProvider{
		principals: make(map[id.PrincipalID]*Principal),
		byEmail:    make(map[string]id.PrincipalID),
		failures:   make(map[Operation]error),
		now:        time.Now,
	}
}

// FailOn makes every later call to op return err until ClearFailures.
// Errors without a domain code are reported as identity provider failures.
func (p *IdentityProvider) FailOn(op Operation, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = err
}

func (p *IdentityProvider) ClearFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = make(map[Operation]error)
}

func (p *IdentityProvider) injected(op Operation) error {
	err, ok := p.failures[op]
	if !ok || err == nil {
		return nil
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeIdentityProvider, "identity provider request failed")
}

func emailKey(address string) string { return strings.ToLower(strings.TrimSpace(address)) }

func (p *IdentityProvider) CreatePrincipal(ctx context.Context, req models.PrincipalRequest) (id.PrincipalID, error) {
	if err := ctx.Err(); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeIdentityProvider, "identity provider request cancelled")
	}

	secret := req.Secret
	if secret == "" {
		if !slices.Contains(req.RequiredActions, models.RequiredActionUpdatePassword) {
			return "", dErrors.New(dErrors.CodeIdentityProvider, "password is required unless a reset is required")
		}
		generated, err := secrets.Generate()
		if err != nil {
			return "", dErrors.Wrap(err, dErrors.CodeIdentityProvider, "failed to create user")
		}
		secret = generated
	}
	// Hash outside the lock; bcrypt is slow.
	hash, err := secrets.Hash(secret)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeIdentityProvider, "failed to create user")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected(OpCreatePrincipal); err != nil {
		return "", err
	}
	key := emailKey(req.Email)
	if _, ok := p.byEmail[key]; ok {
		return "", dErrors.New(dErrors.CodeIdentityProvider, "user with this email already exists")
	}

	principal := &Principal{
		ID:              id.PrincipalID(uuid.NewString()),
		Email:           key,
		PasswordHash:    hash,
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Attributes:      req.Attributes(),
		RequiredActions: slices.Clone(req.RequiredActions),
		CreatedAt:       p.now(),
	}
	p.principals[principal.ID] = principal
	p.byEmail[key] = principal.ID
	return principal.ID, nil
}

func (p *IdentityProvider) SendVerification(ctx context.Context, principalID id.PrincipalID) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeIdentityProvider, "identity provider request cancelled")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected(OpSendVerification); err != nil {
		return err
	}
	principal, ok := p.principals[principalID]
	if !ok {
		return dErrors.New(dErrors.CodeIdentityProvider, "user not found in identity provider")
	}
	principal.VerificationsSent++
	return nil
}

func (p *IdentityProvider) ExistsByEmail(ctx context.Context, address string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeIdentityProvider, "identity provider request cancelled")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.injected(OpExistsByEmail); err != nil {
		return false, err
	}
	_, ok := p.byEmail[emailKey(address)]
	return ok, nil
}

func (p *IdentityProvider) FindByEmail(ctx context.Context, address string) (id.PrincipalID, error) {
	if err := ctx.Err(); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeIdentityProvider, "identity provider request cancelled")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.injected(OpFindByEmail); err != nil {
		return "", err
	}
	principalID, ok := p.byEmail[emailKey(address)]
	if !ok {
		return "", sentinel.ErrNotFound
	}
	return principalID, nil
}

// Principal returns a copy of the stored principal.
func (p *IdentityProvider) Principal(principalID id.PrincipalID) (Principal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	principal, ok := p.principals[principalID]
	if !ok {
		return Principal{}, false
	}
	return *principal, true
}

// Authenticate checks a password for the principal with address.
func (p *IdentityProvider) Authenticate(address, password string) (id.PrincipalID, error) {
	p.mu.RLock()
	principalID, ok := p.byEmail[emailKey(address)]
	var hash string
	if ok {
		hash = p.principals[principalID].PasswordHash
	}
	p.mu.RUnlock()
	if !ok {
		return "", dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
	}
	if err := secrets.Verify(password, hash); err != nil {
		return "", err
	}
	return principalID, nil
}

// MarkEmailVerified records that the principal confirmed their address.
func (p *IdentityProvider) MarkEmailVerified(principalID id.PrincipalID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	principal, ok := p.principals[principalID]
	if !ok {
		return sentinel.ErrNotFound
	}
	principal.EmailVerified = true
	principal.RequiredActions = slices.DeleteFunc(principal.RequiredActions, func(a string) bool {
		return a == models.RequiredActionVerifyEmail
	})
	return nil
}

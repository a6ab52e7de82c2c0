package provisioning

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/domain/account"
	"github.com/medflow/medflow/internal/domain/directory"
	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/internal/platform/db"
	"github.com/medflow/medflow/internal/platform/metrics"
	"github.com/medflow/medflow/internal/platform/tenancy"
)

const (
	minPasswordLength          = 8
	defaultCompensationTimeout = time.Minute
)

// Directory is the part of directory.Store the saga uses.
type Directory interface {
	FindTenantByID(ctx context.Context, id uuid.UUID) (*directory.Tenant, error)
	FindTenantBySubdomain(ctx context.Context, subdomain string) (*directory.Tenant, error)
	FindTenantByOwnerEmail(ctx context.Context, email string) (*directory.Tenant, error)
	FindTenantByLocator(ctx context.Context, locator string) (*directory.Tenant, error)
	CreateTenant(ctx context.Context, draft directory.TenantDraft) (*directory.Tenant, error)
	UpdateTenantStatus(ctx context.Context, id uuid.UUID, status directory.TenantStatus) error
	DeleteTenant(ctx context.Context, id uuid.UUID) error
	AttachSubscription(ctx context.Context, tenantID, planID uuid.UUID, cycle directory.BillingCycle) (*directory.Subscription, error)
	LockProvisioning(ctx context.Context, key string) (func(), error)
}

// Databases creates, migrates and drops physical tenant databases.
type Databases interface {
	DatabaseName(subdomain string) (string, error)
	Create(ctx context.Context, name string) error
	Migrate(ctx context.Context, locator string) error
	Drop(ctx context.Context, name string) error
}

// Connections lends tenant database handles.
type Connections interface {
	WithHandle(ctx context.Context, tenantID uuid.UUID, fn func(h *tenancy.Handle) error) error
	Evict(ctx context.Context, tenantID uuid.UUID)
}

type Hasher interface {
	Hash(ctx context.Context, password string) (string, error)
}

// CreateTenantRequest is the input of the provisioning saga.
type CreateTenantRequest struct {
	Name         string `json:"name"`
	Subdomain    string `json:"subdomain"`
	OwnerName    string `json:"ownerName"`
	OwnerEmail   string `json:"ownerEmail"`
	Password     string `json:"password"`
	PlanID       string `json:"planId,omitempty"`
	BillingCycle string `json:"billingCycle,omitempty"`
}

// validated is a CreateTenantRequest after VALIDATING.
type validated struct {
	name       string
	subdomain  string
	ownerName  string
	ownerEmail string
	password   string
	database   string
	planID     *uuid.UUID
	cycle      directory.BillingCycle
}

type Service struct {
	directory           Directory
	databases           Databases
	connections         Connections
	hasher              Hasher
	metrics             *metrics.Metrics
	logger              zerolog.Logger
	compensationTimeout time.Duration
	seed                func(ctx context.Context, d db.DBTX, owner *account.User, profile *account.Profile) error
}

func NewService(dir Directory, databases Databases, connections Connections, hasher Hasher, logger zerolog.Logger) *Service {
	return &Service{
		directory:           dir,
		databases:           databases,
		connections:         connections,
		hasher:              hasher,
		logger:              logger.With().Str("component", "provisioning").Logger(),
		compensationTimeout: defaultCompensationTimeout,
		seed:                account.Seed,
	}
}

// SetMetrics attaches optional prometheus collectors.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetCompensationTimeout bounds each rollback run. Compensation runs on a
// context detached from the caller's, so a client disconnect cannot stop it.
func (s *Service) SetCompensationTimeout(d time.Duration) {
	if d > 0 {
		s.compensationTimeout = d
	}
}

// CreateTenant runs the provisioning saga. Validation and conflict errors are
// returned as they are; failures after the database exists are returned as
// *StepError once compensation has run.
func (s *Service) CreateTenant(ctx context.Context, req CreateTenantRequest) (*directory.Tenant, error) {
	// VALIDATING
	in, err := s.validate(req)
	if err != nil {
		s.metrics.ProvisioningResult("invalid")
		return nil, err
	}
	log := s.logger.With().Str("subdomain", in.subdomain).Str("database", in.database).Logger()

	unlock, err := s.directory.LockProvisioning(ctx, in.database)
	if err != nil {
		s.metrics.ProvisioningResult("failed")
		return nil, &StepError{State: StateValidating, Err: err}
	}
	defer unlock()

	if err := s.checkConflicts(ctx, in); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			s.metrics.ProvisioningResult("conflict")
			return nil, err
		}
		s.metrics.ProvisioningResult("failed")
		return nil, &StepError{State: StateValidating, Err: err}
	}

	hash, err := s.hasher.Hash(ctx, in.password)
	if err != nil {
		s.metrics.ProvisioningResult("failed")
		return nil, &StepError{State: StateValidating, Err: err}
	}

	// DB_CREATED
	if err := s.databases.Create(ctx, in.database); err != nil {
		return nil, s.fail(ctx, log, StateDBCreated, err, in.database, nil)
	}
	log.Info().Msg("tenant database created")

	// MIGRATED
	if err := s.databases.Migrate(ctx, in.database); err != nil {
		return nil, s.fail(ctx, log, StateMigrated, err, in.database, nil)
	}

	// DIRECTORY_RECORDED
	tenant, err := s.directory.CreateTenant(ctx, directory.TenantDraft{
		Subdomain:       in.subdomain,
		Name:            in.name,
		OwnerName:       in.ownerName,
		OwnerEmail:      in.ownerEmail,
		DatabaseLocator: in.database,
		Status:          directory.StatusPending,
	})
	if err != nil {
		return nil, s.fail(ctx, log, StateDirectoryRecorded, err, in.database, nil)
	}
	log = log.With().Str("tenant_id", tenant.ID.String()).Logger()

	// SEEDED
	owner := &account.User{
		Email:        in.ownerEmail,
		Name:         in.ownerName,
		PasswordHash: hash,
		Role:         auth.RoleAdmin,
		IsActive:     true,
	}
	profile := &account.Profile{
		TenantID:   tenant.ID,
		Name:       tenant.Name,
		Subdomain:  tenant.Subdomain,
		OwnerName:  tenant.OwnerName,
		OwnerEmail: tenant.OwnerEmail,
	}
	err = s.connections.WithHandle(ctx, tenant.ID, func(h *tenancy.Handle) error {
		return s.seed(ctx, h, owner, profile)
	})
	if err == nil {
		err = s.directory.UpdateTenantStatus(ctx, tenant.ID, directory.StatusActive)
	}
	if err != nil {
		return nil, s.fail(ctx, log, StateSeeded, err, in.database, &tenant.ID)
	}
	tenant.Status = directory.StatusActive

	// SUBSCRIBED
	if in.planID != nil {
		sub, err := s.directory.AttachSubscription(ctx, tenant.ID, *in.planID, in.cycle)
		if err != nil {
			log.Warn().Err(err).Str("plan_id", in.planID.String()).Msg("tenant created without subscription")
			s.metrics.ProvisioningResult("unsubscribed")
		} else {
			tenant.Subscription = sub
		}
	}

	// DONE
	s.metrics.ProvisioningResult("success")
	log.Info().Msg("tenant provisioned")
	return tenant, nil
}

func (s *Service) validate(req CreateTenantRequest) (*validated, error) {
	in := &validated{
		name:       strings.TrimSpace(req.Name),
		subdomain:  strings.ToLower(strings.TrimSpace(req.Subdomain)),
		ownerName:  strings.TrimSpace(req.OwnerName),
		ownerEmail: strings.ToLower(strings.TrimSpace(req.OwnerEmail)),
		password:   req.Password,
	}

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"name", in.name},
		{"subdomain", in.subdomain},
		{"ownerName", in.ownerName},
		{"ownerEmail", in.ownerEmail},
		{"password", in.password},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, apperr.Validation("missing required fields: %s", strings.Join(missing, ", "))
	}

	if addr, err := mail.ParseAddress(in.ownerEmail); err != nil || addr.Address != in.ownerEmail {
		return nil, apperr.Validation("ownerEmail is not a valid email address")
	}
	if len(in.password) < minPasswordLength {
		return nil, apperr.Validation("password must be at least %d characters", minPasswordLength)
	}
	if len(in.password) > auth.MaxPasswordBytes {
		return nil, apperr.Validation("password must be at most %d bytes", auth.MaxPasswordBytes)
	}

	in.cycle = directory.BillingCycle(strings.ToUpper(strings.TrimSpace(req.BillingCycle)))
	if in.cycle == "" {
		in.cycle = directory.Monthly
	}
	if !in.cycle.Valid() {
		return nil, apperr.Validation("billingCycle must be MONTHLY or YEARLY")
	}

	if req.PlanID != "" {
		id, err := uuid.Parse(req.PlanID)
		if err != nil {
			return nil, apperr.Validation("planId is not a valid id")
		}
		in.planID = &id
	}

	database, err := s.databases.DatabaseName(in.subdomain)
	if err != nil {
		return nil, err
	}
	in.database = database
	return in, nil
}

// checkConflicts looks for an existing tenant on any unique key. It runs
// under the provisioning lock, so a concurrent saga for the same database
// has either finished recording its tenant or not started.
func (s *Service) checkConflicts(ctx context.Context, in *validated) error {
	checks := []struct {
		find func() (*directory.Tenant, error)
		msg  string
	}{
		{func() (*directory.Tenant, error) { return s.directory.FindTenantBySubdomain(ctx, in.subdomain) }, "subdomain is already taken"},
		{func() (*directory.Tenant, error) { return s.directory.FindTenantByOwnerEmail(ctx, in.ownerEmail) }, "owner email is already registered"},
		{func() (*directory.Tenant, error) { return s.directory.FindTenantByLocator(ctx, in.database) }, "a tenant database with this name already exists"},
	}
	for _, c := range checks {
		_, err := c.find()
		switch {
		case err == nil:
			return apperr.Conflict("%s", c.msg)
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}
	}
	return nil
}

// fail runs the compensation for a failure at state and wraps the cause.
// Compensation errors are logged and counted, never returned.
func (s *Service) fail(ctx context.Context, log zerolog.Logger, state State, cause error, database string, tenantID *uuid.UUID) error {
	log.Error().Err(cause).Str("state", string(state)).Msg("provisioning step failed")
	s.metrics.ProvisioningResult("failed")

	comp := compensationFor(state)
	if !comp.dropDatabase && !comp.deleteDirectory {
		return &StepError{State: state, Err: cause}
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout)
	defer cancel()

	if tenantID != nil {
		s.connections.Evict(cctx, *tenantID)
	}
	if comp.dropDatabase {
		err := s.databases.Drop(cctx, database)
		s.metrics.Compensation("drop_database", err)
		if err != nil {
			log.Error().Err(err).Str("state", string(state)).Msg("compensation: drop database failed")
		}
	}
	if comp.deleteDirectory && tenantID != nil {
		err := s.directory.DeleteTenant(cctx, *tenantID)
		s.metrics.Compensation("delete_directory", err)
		if err != nil {
			log.Error().Err(err).Str("state", string(state)).Msg("compensation: delete directory record failed")
		}
	}
	return &StepError{State: state, Err: cause}
}

// DeleteTenant removes the tenant's database and then its directory record.
// If the drop fails the record is kept so the delete can be retried.
func (s *Service) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	tenant, err := s.directory.FindTenantByID(ctx, id)
	if err != nil {
		return err
	}
	log := s.logger.With().Str("tenant_id", id.String()).Str("database", tenant.DatabaseLocator).Logger()

	unlock, err := s.directory.LockProvisioning(ctx, tenant.DatabaseLocator)
	if err != nil {
		return err
	}
	defer unlock()

	s.connections.Evict(ctx, id)
	if err := s.databases.Drop(ctx, tenant.DatabaseLocator); err != nil {
		log.Error().Err(err).Msg("drop tenant database")
		return err
	}
	if err := s.directory.DeleteTenant(ctx, id); err != nil {
		return err
	}
	log.Info().Msg("tenant deleted")
	return nil
}

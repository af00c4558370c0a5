package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"querydesk/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// ProfileService: connection profile CRUD with sealed secrets
// ─────────────────────────────────────────────────────────────

// CredentialVault seals and opens profile passwords.
type CredentialVault interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// ProfileInput is the service-layer DTO for creating/updating profiles.
// An empty Password keeps the stored secret on update.
type ProfileInput struct {
	Name          string            `json:"name"`
	Driver        string            `json:"driver"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Database      string            `json:"database"`
	Username      string            `json:"username"`
	Password      string            `json:"password,omitempty"`
	ClearPassword bool              `json:"clearPassword,omitempty"`
	DefaultSchema string            `json:"defaultSchema"`
	TLS           domain.TLSOptions `json:"tls"`
}

func (in ProfileInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return domain.Errorf(domain.KindInvalidRequest, "name is required")
	}
	d := domain.DatabaseDriver(in.Driver)
	if !d.Valid() {
		return domain.Errorf(domain.KindInvalidRequest, "unsupported driver %q", in.Driver)
	}
	if in.Host == "" {
		if d.Embedded() {
			return domain.Errorf(domain.KindInvalidRequest, "a database file path is required")
		}
		return domain.Errorf(domain.KindInvalidRequest, "host is required")
	}
	if in.Port < 0 || in.Port > 65535 {
		return domain.Errorf(domain.KindInvalidRequest, "port %d out of range", in.Port)
	}
	switch in.TLS.Mode {
	case "", domain.TLSDisable, domain.TLSRequire, domain.TLSVerifyCA, domain.TLSVerifyFull, domain.TLSSkipVerify:
	default:
		return domain.Errorf(domain.KindInvalidRequest, "unknown tls mode %q", in.TLS.Mode)
	}
	return nil
}

// ProfileService manages connection profiles. Passwords are sealed by the
// vault before they reach the store.
type ProfileService struct {
	store  domain.ConnectionProfileStore
	vault  CredentialVault
	conns  *ConnectionManager
	logger *slog.Logger
}

// NewProfileService creates a ProfileService.
func NewProfileService(store domain.ConnectionProfileStore, vault CredentialVault, conns *ConnectionManager, logger *slog.Logger) *ProfileService {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ProfileService{
		store:  store,
		vault:  vault,
		conns:  conns,
		logger: logger.With(slog.String("component", "profiles")),
	}
}

func (s *ProfileService) List(ctx context.Context) ([]domain.ConnectionProfile, error) {
	return s.store.ListProfiles(ctx)
}

func (s *ProfileService) Get(ctx context.Context, id string) (*domain.ConnectionProfile, error) {
	return s.store.GetProfile(ctx, id)
}

func (s *ProfileService) Create(ctx context.Context, in ProfileInput) (*domain.ConnectionProfile, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	p := &domain.ConnectionProfile{ID: uuid.NewString()}
	apply(p, in)
	if in.Password != "" {
		sealed, err := s.vault.Seal([]byte(in.Password))
		if err != nil {
			return nil, fmt.Errorf("seal password: %w", err)
		}
		p.SealedSecret = sealed
	}
	if err := s.store.CreateProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	s.logger.Info("profile created", slog.String("profile", p.ID), slog.String("driver", string(p.Driver)))
	return p, nil
}

// Update edits a profile. An idle open handle is closed so the next open
// uses the new settings; a handle still in use blocks the edit.
func (s *ProfileService) Update(ctx context.Context, id string, in ProfileInput) (*domain.ConnectionProfile, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	p, err := s.store.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.closeIdle(ctx, id); err != nil {
		return nil, err
	}
	apply(p, in)
	switch {
	case in.ClearPassword:
		p.SealedSecret = nil
	case in.Password != "":
		sealed, err := s.vault.Seal([]byte(in.Password))
		if err != nil {
			return nil, fmt.Errorf("seal password: %w", err)
		}
		p.SealedSecret = sealed
	}
	if err := s.store.UpdateProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete removes a profile. It fails with ConnectionInUse while an
// execution still holds its handle.
func (s *ProfileService) Delete(ctx context.Context, id string) error {
	if err := s.closeIdle(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteProfile(ctx, id); err != nil {
		return err
	}
	s.logger.Info("profile deleted", slog.String("profile", id))
	return nil
}

// Test checks a profile. A non-empty password is tried instead of the
// stored one.
func (s *ProfileService) Test(ctx context.Context, id, password string) (bool, error) {
	p, err := s.store.GetProfile(ctx, id)
	if err != nil {
		return false, err
	}
	return s.conns.TestConnection(ctx, p, password)
}

func (s *ProfileService) closeIdle(ctx context.Context, id string) error {
	h, ok := s.conns.Handle(id)
	if !ok {
		return nil
	}
	// Parked results are closed by Close; only running work blocks.
	if n := h.Active(); n > 0 {
		return domain.Errorf(domain.KindConnectionInUse, "connection %s has %d active executions", id, n)
	}
	return s.conns.Close(ctx, id)
}

func apply(p *domain.ConnectionProfile, in ProfileInput) {
	p.Name = strings.TrimSpace(in.Name)
	p.Driver = domain.DatabaseDriver(in.Driver)
	p.Host = in.Host
	p.Port = in.Port
	p.Database = in.Database
	p.Username = in.Username
	p.DefaultSchema = in.DefaultSchema
	p.TLS = in.TLS
	if p.TLS.Mode == "" {
		p.TLS.Mode = domain.TLSDisable
	}
}

package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var packageTransitions = map[PackageStatus][]PackageStatus{
	PackageActive:    {PackagePaused, PackageCancelled},
	PackagePaused:    {PackageActive, PackageCancelled},
	PackageExhausted: {PackageCancelled},
}

func (s *Service) CreatePackage(ctx context.Context, p *Package) error {
	if p.TherapistID == uuid.Nil {
		return invalid("therapist_id", "required")
	}
	if p.ClientID == uuid.Nil {
		return invalid("client_id", "required")
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return invalid("name", "required")
	}
	if p.SessionsTotal <= 0 {
		return invalid("sessions_total", "must be positive")
	}
	if p.Price.IsNegative() || !isCents(p.Price) {
		return invalid("price", "must be a non-negative amount with at most two decimal places")
	}
	p.Currency = s.currencyOrDefault(p.Currency)
	if err := validateCurrency(p.Currency); err != nil {
		return err
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(s.now()) {
		return invalid("expires_at", "must be in the future")
	}
	p.SessionsUsed = 0
	p.Status = PackageActive
	if err := s.packages.Create(ctx, p); err != nil {
		return fmt.Errorf("create package: %w", err)
	}
	s.logger.Info().
		Str("package_id", p.ID.String()).
		Str("client_id", p.ClientID.String()).
		Int("sessions", p.SessionsTotal).
		Msg("package created")
	return nil
}

func (s *Service) GetPackage(ctx context.Context, id uuid.UUID) (*Package, error) {
	return s.packages.GetByID(ctx, id)
}

func (s *Service) ListPackages(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*Package, int, error) {
	if clientID == uuid.Nil {
		return nil, 0, invalid("client_id", "required")
	}
	return s.packages.ListByClient(ctx, clientID, limit, offset)
}

func (s *Service) PausePackage(ctx context.Context, id uuid.UUID) (*Package, error) {
	return s.transitionPackage(ctx, id, PackagePaused)
}

func (s *Service) ResumePackage(ctx context.Context, id uuid.UUID) (*Package, error) {
	return s.transitionPackage(ctx, id, PackageActive)
}

func (s *Service) CancelPackage(ctx context.Context, id uuid.UUID) (*Package, error) {
	return s.transitionPackage(ctx, id, PackageCancelled)
}

func (s *Service) transitionPackage(ctx context.Context, id uuid.UUID, to PackageStatus) (*Package, error) {
	var out *Package
	err := s.inTx(ctx, "package_"+strings.ToLower(string(to)), func(ctx context.Context) error {
		p, err := s.packages.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !canTransition(p.Status, to) {
			return fmt.Errorf("package %s from %s to %s: %w", p.ID, p.Status, to, ErrInvalidTransition)
		}
		p.Status = to
		if to == PackageActive && p.RemainingSessions() == 0 {
			p.Status = PackageExhausted
		}
		if err := s.packages.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("package_id", id.String()).Str("status", string(out.Status)).Msg("package status changed")
	return out, nil
}

func canTransition(from, to PackageStatus) bool {
	for _, s := range packageTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// internal/services/admin_service.go
package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
)

const defaultNotificationLimit = 50

type AdminService struct {
	store   repository.Store
	machine *StateMachine
	sweeps  *SweepService
	clock   clock.Clock
}

type AdminDashboardStats struct {
	AsOf             time.Time                      `json:"as_of"`
	LicensesByStatus map[models.LicenseStatus]int64 `json:"licenses_by_status"`
	TotalLicenses    int64                          `json:"total_licenses"`
	NeedsAttention   int64                          `json:"needs_attention"`
}

// StatusOverrideInput moves a license as an admin, optionally out of a
// terminal status.
type StatusOverrideInput struct {
	LicenseID     uuid.UUID            `json:"license_id"`
	Actor         models.Actor         `json:"-"`
	Status        models.LicenseStatus `json:"status" binding:"required"`
	Reason        string               `json:"reason" binding:"required,max=2000"`
	AdminOverride bool                 `json:"admin_override"`
}

func NewAdminService(store repository.Store, machine *StateMachine, sweeps *SweepService, clk clock.Clock) *AdminService {
	return &AdminService{
		store:   store,
		machine: machine,
		sweeps:  sweeps,
		clock:   clk,
	}
}

// GetDashboardStats counts licenses per lifecycle status.
func (s *AdminService) GetDashboardStats(ctx context.Context) (*AdminDashboardStats, error) {
	stats := &AdminDashboardStats{
		AsOf:             s.clock.Now(),
		LicensesByStatus: make(map[models.LicenseStatus]int64, len(models.AllLicenseStatuses)),
	}
	for _, status := range models.AllLicenseStatuses {
		_, total, err := s.store.ListLicenses(ctx, repository.LicenseFilter{
			Statuses: []models.LicenseStatus{status},
			Limit:    1,
		})
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to count %s licenses", status)
		}
		stats.LicensesByStatus[status] = total
		stats.TotalLicenses += total
		switch status {
		case models.LicenseStatusDisputed, models.LicenseStatusSuspended, models.LicenseStatusPendingApproval:
			stats.NeedsAttention += total
		}
	}
	return stats, nil
}

func (s *AdminService) ListNotifications(ctx context.Context, limit int) ([]models.AdminNotification, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultNotificationLimit
	}
	notifications, err := s.store.ListAdminNotifications(ctx, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list admin notifications")
	}
	return notifications, nil
}

// OverrideStatus applies an admin-driven transition such as DISPUTED,
// SUSPENDED or TERMINATED.
func (s *AdminService) OverrideStatus(ctx context.Context, in StatusOverrideInput) (*models.License, error) {
	if in.Actor.Role != models.ActorRoleAdmin {
		return nil, apperrors.NewPermission("only admins can override license status")
	}
	err := s.machine.Transition(ctx, in.LicenseID, in.Status, TransitionOptions{
		Actor:         in.Actor,
		Reason:        in.Reason,
		AdminOverride: in.AdminOverride,
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"license_id": in.LicenseID,
		"status":     in.Status,
		"admin_id":   in.Actor.ID,
		"override":   in.AdminOverride,
	}).Info("License status changed by admin")

	license, err := s.store.GetLicense(ctx, in.LicenseID)
	if err != nil {
		return nil, loadError(err, "license", in.LicenseID)
	}
	return license, nil
}

// RunSweep runs one named sweep on demand.
func (s *AdminService) RunSweep(ctx context.Context, name string) (*SweepResult, error) {
	switch name {
	case SweepTransitions:
		return s.sweeps.ProcessAutomatedTransitions(ctx)
	case SweepAutoRenewal:
		return s.sweeps.ProcessAutoRenewals(ctx)
	case SweepDeadlines:
		return s.sweeps.ProcessDeadlines(ctx)
	}
	return nil, apperrors.NewValidation("unknown sweep", "sweep must be one of: "+SweepTransitions+", "+SweepAutoRenewal+", "+SweepDeadlines)
}

// internal/services/ip_service.go
package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
)

// IPService is the read side of the ownership registry used by the HTTP layer.
type IPService struct {
	store repository.Store
	clock clock.Clock
}

// AssetView is an asset with the ownership records in force now.
type AssetView struct {
	*models.IPAsset
	ActiveOwnerships []models.AssetOwnership `json:"active_ownerships"`
	TotalShareBps    int                     `json:"total_share_bps"`
	OpenDisputes     int                     `json:"open_disputes"`
}

func NewIPService(store repository.Store, clk clock.Clock) *IPService {
	return &IPService{store: store, clock: clk}
}

func (s *IPService) GetIPAsset(ctx context.Context, id uuid.UUID) (*AssetView, error) {
	asset, err := s.store.GetAsset(ctx, id)
	if err != nil {
		return nil, loadError(err, "ip_asset", id)
	}
	if asset.IsDeleted() {
		return nil, apperrors.NewNotFound("ip_asset", id)
	}

	records, err := s.store.ListOwnerships(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load ownership for asset %s", id)
	}

	view := &AssetView{IPAsset: asset, ActiveOwnerships: models.ActiveOwnerships(records, s.clock.Now())}
	for _, o := range view.ActiveOwnerships {
		view.TotalShareBps += o.ShareBps
		if o.HasOpenDispute() {
			view.OpenDisputes++
		}
	}
	return view, nil
}

// CanViewAsset lets admins, the creator and current owners read an asset.
// Brands see assets through the licenses they hold.
func (s *IPService) CanViewAsset(ctx context.Context, view *AssetView, actor models.Actor) error {
	switch actor.Role {
	case models.ActorRoleAdmin, models.ActorRoleSystem:
		return nil
	case models.ActorRoleCreator:
		if view.CreatorID == actor.ID {
			return nil
		}
		for _, o := range view.ActiveOwnerships {
			if o.OwnerID == actor.ID {
				return nil
			}
		}
	case models.ActorRoleBrand:
		_, total, err := s.store.ListLicenses(ctx, repository.LicenseFilter{IPAssetID: &view.ID, BrandID: &actor.ID, Limit: 1})
		if err != nil {
			return apperrors.Wrap(err, "failed to check licenses of brand %s", actor.ID)
		}
		if total > 0 {
			return nil
		}
	default:
		return apperrors.NewPermission("unknown actor role %q", actor.Role)
	}
	return apperrors.NewPermission("%s %s has no relationship with asset %s", actor.Role, actor.ID, view.ID)
}

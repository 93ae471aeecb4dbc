// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// EnsureID assigns a fresh id when the record has none yet, so ids are known
// before insert (outbox payloads and history rows reference them).
func (b *BaseModel) EnsureID() {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
}

// IsDeleted reports whether the record was soft deleted.
func (b *BaseModel) IsDeleted() bool {
	return b.DeletedAt.Valid
}

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}

	return json.Unmarshal(bytes, j)
}

// Enums
type UserType string

const (
	UserTypeCreator UserType = "creator"
	UserTypeBrand   UserType = "brand"
	UserTypeAdmin   UserType = "admin"
)

type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusInactive  UserStatus = "inactive"
	UserStatusSuspended UserStatus = "suspended"
)

type VerificationLevel string

const (
	VerificationLevelUnverified VerificationLevel = "unverified"
	VerificationLevelVerified   VerificationLevel = "verified"
	VerificationLevelPremium    VerificationLevel = "premium"
)

// IsVerified reports whether the level counts as a verified account.
func (v VerificationLevel) IsVerified() bool {
	return v == VerificationLevelVerified || v == VerificationLevelPremium
}

type AssetStatus string

const (
	AssetStatusDraft         AssetStatus = "draft"
	AssetStatusPendingReview AssetStatus = "pending_review"
	AssetStatusApproved      AssetStatus = "approved"
	AssetStatusPublished     AssetStatus = "published"
	AssetStatusArchived      AssetStatus = "archived"
)

// IsLicensable reports whether grants may be issued against an asset in this status.
func (s AssetStatus) IsLicensable() bool {
	return s == AssetStatusApproved || s == AssetStatusPublished
}

type AssetType string

const (
	AssetTypeImage        AssetType = "image"
	AssetTypeIllustration AssetType = "illustration"
	AssetTypeVideo        AssetType = "video"
	AssetTypeMusic        AssetType = "music"
	AssetTypeCharacter    AssetType = "character"
	AssetTypeLogo         AssetType = "logo"
	AssetTypeFont         AssetType = "font"
	AssetTypeModel3D      AssetType = "model_3d"
)

type OwnershipType string

const (
	OwnershipTypePrimary     OwnershipType = "primary"
	OwnershipTypeCoOwner     OwnershipType = "co_owner"
	OwnershipTypeContributor OwnershipType = "contributor"
)

type LicenseType string

const (
	LicenseTypeExclusive          LicenseType = "EXCLUSIVE"
	LicenseTypeNonExclusive       LicenseType = "NON_EXCLUSIVE"
	LicenseTypeExclusiveTerritory LicenseType = "EXCLUSIVE_TERRITORY"
)

// IsValid reports whether t is one of the known license types.
func (t LicenseType) IsValid() bool {
	switch t {
	case LicenseTypeExclusive, LicenseTypeNonExclusive, LicenseTypeExclusiveTerritory:
		return true
	}
	return false
}

// IsExclusiveTier reports whether t restricts coexisting grants in any way.
func (t LicenseType) IsExclusiveTier() bool {
	return t == LicenseTypeExclusive || t == LicenseTypeExclusiveTerritory
}

type BillingFrequency string

const (
	BillingFrequencyOneTime   BillingFrequency = "one_time"
	BillingFrequencyMonthly   BillingFrequency = "monthly"
	BillingFrequencyQuarterly BillingFrequency = "quarterly"
	BillingFrequencyAnnual    BillingFrequency = "annual"
)

// ActorRole is the closed set of parties that may act on a license.
type ActorRole string

const (
	ActorRoleBrand   ActorRole = "brand"
	ActorRoleCreator ActorRole = "creator"
	ActorRoleAdmin   ActorRole = "admin"
	ActorRoleSystem  ActorRole = "system"
)

// ParseActorRole maps a stored user type onto an actor role.
func ParseActorRole(s string) (ActorRole, error) {
	switch ActorRole(s) {
	case ActorRoleBrand, ActorRoleCreator, ActorRoleAdmin, ActorRoleSystem:
		return ActorRole(s), nil
	}
	return "", fmt.Errorf("unknown actor role %q", s)
}

// Actor identifies who performs an operation.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role ActorRole `json:"role"`
}

// SystemActor is used for sweep-driven changes.
var SystemActor = Actor{ID: uuid.Nil, Role: ActorRoleSystem}

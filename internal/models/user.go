// internal/models/user.go
package models

type User struct {
	BaseModel
	Email             string            `json:"email" gorm:"uniqueIndex;size:255;not null"`
	DisplayName       string            `json:"display_name" gorm:"size:255"`
	UserType          UserType          `json:"user_type" gorm:"type:varchar(20);not null"`
	VerificationLevel VerificationLevel `json:"verification_level" gorm:"type:varchar(20);default:'unverified'"`
	Status            UserStatus        `json:"status" gorm:"type:varchar(20);default:'active'"`
	ProfileData       JSONB             `json:"profile_data" gorm:"type:jsonb"`
}

// IsActive reports whether the account is in good standing.
func (u *User) IsActive() bool {
	return !u.IsDeleted() && u.Status == UserStatusActive
}

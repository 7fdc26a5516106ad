package profile

import (
	"context"
	"time"
)

// Profile is the user-profile record owned by the profile service. SagaID
// names the registration saga that created it.
type Profile struct {
	ID          string
	UserID      string
	SagaID      string
	Email       string
	FirstName   string
	LastName    string
	PhoneNumber string
	Status      string
	Attributes  map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Service is the profile collaborator driven by saga steps. Implementations
// report ErrProfileNotFound and ErrDuplicateProfile for business outcomes and
// wrap everything else as transient.
type Service interface {
	CreateProfile(ctx context.Context, p *Profile) (*Profile, error)
	DeleteProfile(ctx context.Context, userID string) error
	// GetByUserID fails with ErrProfileNotFound when the user has no profile.
	GetByUserID(ctx context.Context, userID string) (*Profile, error)
	ExistsByUserID(ctx context.Context, userID string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
}

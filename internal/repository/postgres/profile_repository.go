package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	domainErrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/profile"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/clock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProfileRepository implements profile.Service over the user_profiles table.
type ProfileRepository struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewProfileRepository(pool *pgxpool.Pool, clk clock.Clock) *ProfileRepository {
	return &ProfileRepository{pool: pool, clock: clk}
}

func (r *ProfileRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// CreateProfile inserts p. A second profile for the same user id or email
// fails with ErrDuplicateProfile.
func (r *ProfileRepository) CreateProfile(ctx context.Context, p *profile.Profile) (*profile.Profile, error) {
	attrs, err := json.Marshal(p.Attributes)
	if err != nil {
		return nil, fmt.Errorf("marshal profile attributes: %w", err)
	}

	out := *p
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	now := r.clock.Now()
	out.CreatedAt = now
	out.UpdatedAt = now

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO user_profiles
		 (id, user_id, saga_id, email, first_name, last_name, phone_number, status, attributes, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		out.ID, out.UserID, out.SagaID, out.Email, out.FirstName, out.LastName, out.PhoneNumber, out.Status,
		attrs, out.CreatedAt, out.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domainErrors.ErrDuplicateProfile
		}
		return nil, fmt.Errorf("insert profile: %w", err)
	}
	return &out, nil
}

// DeleteProfile hard-deletes the profile of userID.
func (r *ProfileRepository) DeleteProfile(ctx context.Context, userID string) error {
	tag, err := r.db(ctx).Exec(ctx, `DELETE FROM user_profiles WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrProfileNotFound
	}
	return nil
}

func (r *ProfileRepository) GetByUserID(ctx context.Context, userID string) (*profile.Profile, error) {
	var (
		p     profile.Profile
		attrs []byte
	)
	err := r.db(ctx).QueryRow(ctx,
		`SELECT id, user_id, saga_id, email, first_name, last_name, phone_number, status, attributes, created_at, updated_at
		 FROM user_profiles WHERE user_id = $1`, userID,
	).Scan(&p.ID, &p.UserID, &p.SagaID, &p.Email, &p.FirstName, &p.LastName, &p.PhoneNumber, &p.Status,
		&attrs, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrProfileNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal profile attributes: %w", err)
		}
	}
	return &p, nil
}

func (r *ProfileRepository) ExistsByUserID(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.db(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_profiles WHERE user_id = $1)`, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check profile by user id: %w", err)
	}
	return exists, nil
}

func (r *ProfileRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_profiles WHERE lower(email) = lower($1))`, email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check profile by email: %w", err)
	}
	return exists, nil
}

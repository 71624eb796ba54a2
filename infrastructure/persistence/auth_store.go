package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/lightspeed-dms/cidx/domain/auth"
	"github.com/lightspeed-dms/cidx/internal/database"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// UserStore persists users.
type UserStore struct {
	db     *database.Database
	mapper userMapper
}

// NewUserStore creates a user store.
func NewUserStore(db *database.Database) *UserStore {
	return &UserStore{db: db}
}

// Save inserts or updates a user.
func (s *UserStore) Save(ctx context.Context, u auth.User) (auth.User, error) {
	model := s.mapper.ToModel(u)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Session(ctx).Save(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return auth.User{}, errs.Newf(errs.KindConflict, "user %q already exists", u.Username())
		}
		return auth.User{}, fmt.Errorf("save user: %w", err)
	}
	return s.mapper.ToDomain(model), nil
}

// ByUsername finds a user.
func (s *UserStore) ByUsername(ctx context.Context, username string) (auth.User, error) {
	var model UserModel
	err := s.db.Session(ctx).Where("username = ?", username).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return auth.User{}, errs.Newf(errs.KindNotFound, "user %q not found", username)
	}
	if err != nil {
		return auth.User{}, fmt.Errorf("query user: %w", err)
	}
	return s.mapper.ToDomain(model), nil
}

// All returns every user ordered by username.
func (s *UserStore) All(ctx context.Context) ([]auth.User, error) {
	var models []UserModel
	if err := s.db.Session(ctx).Order("username").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]auth.User, 0, len(models))
	for _, m := range models {
		out = append(out, s.mapper.ToDomain(m))
	}
	return out, nil
}

// Delete removes a user row.
func (s *UserStore) Delete(ctx context.Context, username string) error {
	result := s.db.Session(ctx).Where("username = ?", username).Delete(&UserModel{})
	if result.Error != nil {
		return fmt.Errorf("delete user: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.Newf(errs.KindNotFound, "user %q not found", username)
	}
	return nil
}

var _ auth.UserStore = (*UserStore)(nil)

// GroupStore persists groups.
type GroupStore struct {
	db     *database.Database
	mapper groupMapper
}

// NewGroupStore creates a group store.
func NewGroupStore(db *database.Database) *GroupStore {
	return &GroupStore{db: db}
}

// Save inserts or updates a group.
func (s *GroupStore) Save(ctx context.Context, g auth.Group) (auth.Group, error) {
	model := s.mapper.ToModel(g)
	if err := s.db.Session(ctx).Save(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return auth.Group{}, errs.Newf(errs.KindConflict, "group %q already exists", g.Name())
		}
		return auth.Group{}, fmt.Errorf("save group: %w", err)
	}
	return s.mapper.ToDomain(model), nil
}

// ByName finds a group.
func (s *GroupStore) ByName(ctx context.Context, name string) (auth.Group, error) {
	var model GroupModel
	err := s.db.Session(ctx).Where("name = ?", name).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return auth.Group{}, errs.Newf(errs.KindNotFound, "group %q not found", name)
	}
	if err != nil {
		return auth.Group{}, fmt.Errorf("query group: %w", err)
	}
	return s.mapper.ToDomain(model), nil
}

// All returns every group ordered by name.
func (s *GroupStore) All(ctx context.Context) ([]auth.Group, error) {
	var models []GroupModel
	if err := s.db.Session(ctx).Order("name").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	out := make([]auth.Group, 0, len(models))
	for _, m := range models {
		out = append(out, s.mapper.ToDomain(m))
	}
	return out, nil
}

// Delete removes a group row.
func (s *GroupStore) Delete(ctx context.Context, name string) error {
	result := s.db.Session(ctx).Where("name = ?", name).Delete(&GroupModel{})
	if result.Error != nil {
		return fmt.Errorf("delete group: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.Newf(errs.KindNotFound, "group %q not found", name)
	}
	return nil
}

var _ auth.GroupStore = (*GroupStore)(nil)

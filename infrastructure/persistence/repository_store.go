package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/lightspeed-dms/cidx/domain/repo"
	"github.com/lightspeed-dms/cidx/internal/database"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// RepositoryStore persists golden repositories.
type RepositoryStore struct {
	db     *database.Database
	mapper repositoryMapper
}

// NewRepositoryStore creates a repository store.
func NewRepositoryStore(db *database.Database) *RepositoryStore {
	return &RepositoryStore{db: db}
}

// Save inserts or updates a repository.
func (s *RepositoryStore) Save(ctx context.Context, r repo.Repository) (repo.Repository, error) {
	model := s.mapper.ToModel(r)
	now := time.Now().UTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	model.UpdatedAt = now

	if err := s.db.Session(ctx).Save(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return repo.Repository{}, errs.Newf(errs.KindConflict, "repository %q already exists", r.Name())
		}
		return repo.Repository{}, fmt.Errorf("save repository: %w", err)
	}
	return s.mapper.ToDomain(model), nil
}

// ByName finds a repository by base name.
func (s *RepositoryStore) ByName(ctx context.Context, name string) (repo.Repository, error) {
	var model RepositoryModel
	err := s.db.Session(ctx).Where("name = ?", name).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repo.Repository{}, errs.Newf(errs.KindNotFound, "repository %q not found", name)
	}
	if err != nil {
		return repo.Repository{}, fmt.Errorf("query repository: %w", err)
	}
	return s.mapper.ToDomain(model), nil
}

// ByPublicAlias finds a repository by its public "-global" alias.
func (s *RepositoryStore) ByPublicAlias(ctx context.Context, alias string) (repo.Repository, error) {
	base, ok := repo.BaseName(alias)
	if !ok {
		return repo.Repository{}, errs.Newf(errs.KindNotFound, "alias %q is not a public repository alias", alias)
	}
	return s.ByName(ctx, base)
}

// All returns every repository ordered by name.
func (s *RepositoryStore) All(ctx context.Context) ([]repo.Repository, error) {
	var models []RepositoryModel
	if err := s.db.Session(ctx).Order("name").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	out := make([]repo.Repository, 0, len(models))
	for _, m := range models {
		out = append(out, s.mapper.ToDomain(m))
	}
	return out, nil
}

// Delete removes a repository row.
func (s *RepositoryStore) Delete(ctx context.Context, id int64) error {
	result := s.db.Session(ctx).Delete(&RepositoryModel{}, id)
	if result.Error != nil {
		return fmt.Errorf("delete repository: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.Newf(errs.KindNotFound, "repository %d not found", id)
	}
	return nil
}

var _ repo.Store = (*RepositoryStore)(nil)

// ActivatedStore persists per-user activated repositories.
type ActivatedStore struct {
	db     *database.Database
	mapper activatedMapper
}

// NewActivatedStore creates an activated-repository store.
func NewActivatedStore(db *database.Database) *ActivatedStore {
	return &ActivatedStore{db: db}
}

// Save inserts or updates an activated repository.
func (s *ActivatedStore) Save(ctx context.Context, a repo.Activated) (repo.Activated, error) {
	model := s.mapper.ToModel(a)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Session(ctx).Save(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return repo.Activated{}, errs.Newf(errs.KindConflict,
				"alias %q is already in use by %s", a.UserAlias(), a.Username())
		}
		return repo.Activated{}, fmt.Errorf("save activated repository: %w", err)
	}
	return s.mapper.ToDomain(model), nil
}

// ByUserAlias finds one activation by its owner and alias.
func (s *ActivatedStore) ByUserAlias(ctx context.Context, username, alias string) (repo.Activated, error) {
	var model ActivatedModel
	err := s.db.Session(ctx).
		Where("username = ? AND user_alias = ?", username, alias).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repo.Activated{}, errs.Newf(errs.KindNotFound, "activated repository %q not found", alias)
	}
	if err != nil {
		return repo.Activated{}, fmt.Errorf("query activated repository: %w", err)
	}
	return s.mapper.ToDomain(model), nil
}

// ByUser returns all activations owned by username.
func (s *ActivatedStore) ByUser(ctx context.Context, username string) ([]repo.Activated, error) {
	var models []ActivatedModel
	err := s.db.Session(ctx).
		Where("username = ?", username).
		Order("user_alias").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list activated repositories: %w", err)
	}
	out := make([]repo.Activated, 0, len(models))
	for _, m := range models {
		out = append(out, s.mapper.ToDomain(m))
	}
	return out, nil
}

// Delete removes an activation row.
func (s *ActivatedStore) Delete(ctx context.Context, id int64) error {
	result := s.db.Session(ctx).Delete(&ActivatedModel{}, id)
	if result.Error != nil {
		return fmt.Errorf("delete activated repository: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.Newf(errs.KindNotFound, "activated repository %d not found", id)
	}
	return nil
}

var _ repo.ActivatedStore = (*ActivatedStore)(nil)

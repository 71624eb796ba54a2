// Package persistence provides GORM-backed stores for the domain types.
package persistence

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lightspeed-dms/cidx/domain/auth"
	"github.com/lightspeed-dms/cidx/domain/job"
	"github.com/lightspeed-dms/cidx/domain/repo"
)

// RepositoryModel is the GORM model for golden repositories.
type RepositoryModel struct {
	ID                int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name              string    `gorm:"column:name;uniqueIndex"`
	RemoteURL         string    `gorm:"column:remote_url"`
	DefaultBranch     string    `gorm:"column:default_branch"`
	ClonePath         string    `gorm:"column:clone_path"`
	Semantic          bool      `gorm:"column:semantic"`
	FTS               bool      `gorm:"column:fts"`
	Temporal          bool      `gorm:"column:temporal"`
	SCIP              bool      `gorm:"column:scip"`
	LastIndexedCommit string    `gorm:"column:last_indexed_commit"`
	LastRefresh       time.Time `gorm:"column:last_refresh"`
	RefreshEnabled    bool      `gorm:"column:refresh_enabled"`
	Description       string    `gorm:"column:description"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

// TableName implements the GORM table name convention.
func (RepositoryModel) TableName() string { return "repositories" }

type repositoryMapper struct{}

func (repositoryMapper) ToDomain(m RepositoryModel) repo.Repository {
	flags := repo.IndexFlags{Semantic: m.Semantic, FTS: m.FTS, Temporal: m.Temporal, SCIP: m.SCIP}
	return repo.NewRepository(m.Name, m.RemoteURL, m.DefaultBranch, m.ClonePath).
		WithID(m.ID).
		WithFlags(flags).
		WithLastIndexedCommit(m.LastIndexedCommit).
		WithLastRefresh(m.LastRefresh).
		WithRefreshEnabled(m.RefreshEnabled).
		WithDescription(m.Description).
		WithTimestamps(m.CreatedAt, m.UpdatedAt)
}

func (repositoryMapper) ToModel(r repo.Repository) RepositoryModel {
	flags := r.Flags()
	return RepositoryModel{
		ID:                r.ID(),
		Name:              r.Name(),
		RemoteURL:         r.RemoteURL(),
		DefaultBranch:     r.DefaultBranch(),
		ClonePath:         r.ClonePath(),
		Semantic:          flags.Semantic,
		FTS:               flags.FTS,
		Temporal:          flags.Temporal,
		SCIP:              flags.SCIP,
		LastIndexedCommit: r.LastIndexedCommit(),
		LastRefresh:       r.LastRefresh(),
		RefreshEnabled:    r.RefreshEnabled(),
		Description:       r.Description(),
		CreatedAt:         r.CreatedAt(),
		UpdatedAt:         r.UpdatedAt(),
	}
}

// ActivatedModel is the GORM model for per-user activated repositories.
type ActivatedModel struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Username   string    `gorm:"column:username;index:idx_activated_user_alias,unique"`
	UserAlias  string    `gorm:"column:user_alias;index:idx_activated_user_alias,unique"`
	GoldenName string    `gorm:"column:golden_name;index"`
	ClonePath  string    `gorm:"column:clone_path"`
	Branch     string    `gorm:"column:branch"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName implements the GORM table name convention.
func (ActivatedModel) TableName() string { return "activated_repositories" }

type activatedMapper struct{}

func (activatedMapper) ToDomain(m ActivatedModel) repo.Activated {
	return repo.NewActivated(m.Username, m.UserAlias, m.GoldenName, m.ClonePath, m.Branch).
		WithID(m.ID).
		WithCreatedAt(m.CreatedAt)
}

func (activatedMapper) ToModel(a repo.Activated) ActivatedModel {
	return ActivatedModel{
		ID:         a.ID(),
		Username:   a.Username(),
		UserAlias:  a.UserAlias(),
		GoldenName: a.GoldenName(),
		ClonePath:  a.ClonePath(),
		Branch:     a.Branch(),
		CreatedAt:  a.CreatedAt(),
	}
}

// JobModel is the GORM model for queued jobs.
type JobModel struct {
	ID            string    `gorm:"column:id;primaryKey"`
	Kind          string    `gorm:"column:kind;index"`
	TargetKey     string    `gorm:"column:target_key"`
	DedupKey      string    `gorm:"column:dedup_key;index"`
	Username      string    `gorm:"column:username"`
	Status        string    `gorm:"column:status;index"`
	Progress      int       `gorm:"column:progress"`
	Payload       string    `gorm:"column:payload"`
	Result        string    `gorm:"column:result"`
	ErrMessage    string    `gorm:"column:err_message"`
	CallbackURL   string    `gorm:"column:callback_url"`
	CorrelationID string    `gorm:"column:correlation_id"`
	CreatedAt     time.Time `gorm:"column:created_at;index"`
	StartedAt     time.Time `gorm:"column:started_at"`
	CompletedAt   time.Time `gorm:"column:completed_at"`
}

// TableName implements the GORM table name convention.
func (JobModel) TableName() string { return "jobs" }

type jobMapper struct{}

func (jobMapper) ToDomain(m JobModel) job.Job {
	payload := map[string]any{}
	if m.Payload != "" {
		_ = json.Unmarshal([]byte(m.Payload), &payload)
	}
	return job.Restore(
		m.ID,
		job.Kind(m.Kind),
		m.TargetKey, m.Username,
		job.Status(m.Status),
		m.Progress,
		payload,
		m.Result, m.ErrMessage, m.CallbackURL, m.CorrelationID,
		m.CreatedAt, m.StartedAt, m.CompletedAt,
	)
}

func (jobMapper) ToModel(j job.Job) (JobModel, error) {
	payload, err := j.PayloadJSON()
	if err != nil {
		return JobModel{}, err
	}
	return JobModel{
		ID:            j.ID(),
		Kind:          string(j.Kind()),
		TargetKey:     j.TargetKey(),
		DedupKey:      j.DedupKey(),
		Username:      j.Username(),
		Status:        string(j.Status()),
		Progress:      j.Progress(),
		Payload:       string(payload),
		Result:        j.Result(),
		ErrMessage:    j.ErrMessage(),
		CallbackURL:   j.CallbackURL(),
		CorrelationID: j.CorrelationID(),
		CreatedAt:     j.CreatedAt(),
		StartedAt:     j.StartedAt(),
		CompletedAt:   j.CompletedAt(),
	}, nil
}

// UserModel is the GORM model for users.
type UserModel struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Username     string    `gorm:"column:username;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash"`
	GroupName    string    `gorm:"column:group_name;index"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName implements the GORM table name convention.
func (UserModel) TableName() string { return "users" }

type userMapper struct{}

func (userMapper) ToDomain(m UserModel) auth.User {
	return auth.NewUser(m.Username, m.PasswordHash, m.GroupName).
		WithID(m.ID).
		WithCreatedAt(m.CreatedAt)
}

func (userMapper) ToModel(u auth.User) UserModel {
	return UserModel{
		ID:           u.ID(),
		Username:     u.Username(),
		PasswordHash: u.PasswordHash(),
		GroupName:    u.GroupName(),
		CreatedAt:    u.CreatedAt(),
	}
}

// GroupModel is the GORM model for groups. Repos and permissions are
// stored as pipe-separated lists; both are small, admin-curated sets.
type GroupModel struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name        string `gorm:"column:name;uniqueIndex"`
	Repos       string `gorm:"column:repos"`
	Permissions string `gorm:"column:permissions"`
}

// TableName implements the GORM table name convention.
func (GroupModel) TableName() string { return "groups" }

type groupMapper struct{}

func (groupMapper) ToDomain(m GroupModel) auth.Group {
	var perms []auth.Permission
	for _, p := range splitList(m.Permissions) {
		perms = append(perms, auth.Permission(p))
	}
	return auth.NewGroup(m.Name, splitList(m.Repos), perms).WithID(m.ID)
}

func (groupMapper) ToModel(g auth.Group) GroupModel {
	perms := g.Permissions()
	permStrings := make([]string, 0, len(perms))
	for _, p := range perms {
		permStrings = append(permStrings, string(p))
	}
	return GroupModel{
		ID:          g.ID(),
		Name:        g.Name(),
		Repos:       joinList(g.Repos()),
		Permissions: joinList(permStrings),
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "|")
}

func joinList(items []string) string {
	return strings.Join(items, "|")
}

// AuditEventModel is the GORM model for the append-only audit log.
type AuditEventModel struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Action        string    `gorm:"column:action;index"`
	Actor         string    `gorm:"column:actor;index"`
	Target        string    `gorm:"column:target"`
	Detail        string    `gorm:"column:detail"`
	CorrelationID string    `gorm:"column:correlation_id"`
	At            time.Time `gorm:"column:at;index"`
}

// TableName implements the GORM table name convention.
func (AuditEventModel) TableName() string { return "audit_events" }

type auditMapper struct{}

func (auditMapper) ToDomain(m AuditEventModel) auth.AuditEvent {
	return auth.AuditEvent{
		ID:            m.ID,
		Action:        auth.AuditAction(m.Action),
		Actor:         m.Actor,
		Target:        m.Target,
		Detail:        m.Detail,
		CorrelationID: m.CorrelationID,
		At:            m.At,
	}
}

func (auditMapper) ToModel(e auth.AuditEvent) AuditEventModel {
	return AuditEventModel{
		ID:            e.ID,
		Action:        string(e.Action),
		Actor:         e.Actor,
		Target:        e.Target,
		Detail:        e.Detail,
		CorrelationID: e.CorrelationID,
		At:            e.At,
	}
}

// Models lists every model for migration.
func Models() []any {
	return []any{
		&RepositoryModel{},
		&ActivatedModel{},
		&JobModel{},
		&UserModel{},
		&GroupModel{},
		&AuditEventModel{},
	}
}

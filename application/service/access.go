package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lightspeed-dms/cidx/domain/auth"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

const defaultTokenTTL = 12 * time.Hour

// Claims is the JWT claim set carried by session tokens.
type Claims struct {
	jwt.RegisteredClaims
	SessionID   string `json:"sid"`
	Impersonate string `json:"imp,omitempty"`
}

// AccessService owns authentication, sessions, permission checks and
// the user/group registry. Every security-relevant decision is audited.
type AccessService struct {
	users  auth.UserStore
	groups auth.GroupStore
	audit  auth.AuditStore
	secret []byte
	ttl    time.Duration
	logger *slog.Logger
}

// NewAccessService creates the access service.
func NewAccessService(users auth.UserStore, groups auth.GroupStore, audit auth.AuditStore,
	secret []byte, ttl time.Duration, logger *slog.Logger) *AccessService {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessService{
		users:  users,
		groups: groups,
		audit:  audit,
		secret: secret,
		ttl:    ttl,
		logger: logger,
	}
}

// Bootstrap seeds the admin group and user on an empty database. The
// admin password comes from configuration; nothing is generated.
func (s *AccessService) Bootstrap(ctx context.Context, adminPassword string) error {
	existing, err := s.users.All(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if adminPassword == "" {
		return errs.New(errs.KindInvalidInput,
			"admin password must be configured for first boot")
	}

	admins := auth.NewGroup("admins", []string{"*"}, []auth.Permission{
		auth.PermQueryRepos, auth.PermActivateRepos,
		auth.PermRepoRead, auth.PermRepoWrite, auth.PermRepoAdmin,
		auth.PermManageUsers, auth.PermManageGoldenRepo,
	})
	if _, err := s.groups.Save(ctx, admins); err != nil {
		return err
	}
	users := auth.NewGroup("users", []string{"*"}, []auth.Permission{
		auth.PermQueryRepos, auth.PermActivateRepos, auth.PermRepoRead,
	})
	if _, err := s.groups.Save(ctx, users); err != nil {
		return err
	}
	public := auth.NewGroup("public", []string{"*"}, []auth.Permission{
		auth.PermQueryRepos,
	})
	if _, err := s.groups.Save(ctx, public); err != nil {
		return err
	}

	// The public user backs the unauthenticated MCP endpoint. Its
	// password hash is random so nobody can log in as it.
	publicHash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "hashing public placeholder", err)
	}
	if _, err := s.users.Save(ctx, auth.NewUser("public", string(publicHash), "public")); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "hashing admin password", err)
	}
	if _, err := s.users.Save(ctx, auth.NewUser("admin", string(hash), "admins")); err != nil {
		return err
	}
	s.logger.Info("bootstrap admin created", slog.String("username", "admin"))
	return s.audit.Append(ctx, auth.AuditEvent{
		Action: auth.AuditUserCreated, Actor: "system", Target: "admin",
	})
}

// Login verifies credentials and returns a signed session token.
// Unknown users and wrong passwords produce the same error so login
// does not reveal which usernames exist.
func (s *AccessService) Login(ctx context.Context, username, password string) (string, auth.Session, error) {
	fail := func() (string, auth.Session, error) {
		_ = s.audit.Append(ctx, auth.AuditEvent{
			Action: auth.AuditLoginFailed, Actor: username,
		})
		return "", auth.Session{}, errs.New(errs.KindUnauthenticated, "invalid credentials")
	}

	u, err := s.users.ByUsername(ctx, username)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return fail()
		}
		return "", auth.Session{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash()), []byte(password)) != nil {
		return fail()
	}

	sess := auth.NewSession(uuid.NewString(), username, time.Now().UTC().Add(s.ttl))
	token, err := s.sign(sess)
	if err != nil {
		return "", auth.Session{}, err
	}
	if err := s.audit.Append(ctx, auth.AuditEvent{
		Action: auth.AuditLogin, Actor: username,
	}); err != nil {
		return "", auth.Session{}, err
	}
	return token, sess, nil
}

// ParseToken validates a session token and reconstructs the session.
func (s *AccessService) ParseToken(tokenString string) (auth.Session, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.Newf(errs.KindUnauthenticated, "unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return auth.Session{}, errs.New(errs.KindUnauthenticated, "invalid or expired token")
	}
	sess := auth.NewSession(claims.SessionID, claims.Subject, claims.ExpiresAt.Time)
	if claims.Impersonate != "" {
		sess = sess.WithImpersonation(claims.Impersonate)
	}
	return sess, nil
}

// Impersonate returns a token acting as the target user. Requires the
// manage_users permission; the impersonated session can never hold a
// permission the actor's own group lacks.
func (s *AccessService) Impersonate(ctx context.Context, sess auth.Session, targetUser string) (string, error) {
	if err := s.RequirePermission(ctx, sess, auth.PermManageUsers); err != nil {
		return "", err
	}
	if _, err := s.users.ByUsername(ctx, targetUser); err != nil {
		return "", err
	}
	imp := sess.WithImpersonation(targetUser)
	token, err := s.sign(imp)
	if err != nil {
		return "", err
	}
	if err := s.audit.Append(ctx, auth.AuditEvent{
		Action: auth.AuditImpersonate, Actor: sess.Username(), Target: targetUser,
	}); err != nil {
		return "", err
	}
	return token, nil
}

// ClearImpersonation returns a token for the actor's own identity.
func (s *AccessService) ClearImpersonation(ctx context.Context, sess auth.Session) (string, error) {
	own := auth.NewSession(sess.ID(), sess.Username(), sess.ExpiresAt())
	token, err := s.sign(own)
	if err != nil {
		return "", err
	}
	if err := s.audit.Append(ctx, auth.AuditEvent{
		Action: auth.AuditImpersonateClear, Actor: sess.Username(), Target: sess.Impersonating(),
	}); err != nil {
		return "", err
	}
	return token, nil
}

func (s *AccessService) sign(sess auth.Session) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.Username(),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt()),
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		},
		SessionID:   sess.ID(),
		Impersonate: sess.Impersonating(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "signing token", err)
	}
	return token, nil
}

func (s *AccessService) groupFor(ctx context.Context, username string) (auth.Group, error) {
	u, err := s.users.ByUsername(ctx, username)
	if err != nil {
		return auth.Group{}, err
	}
	return s.groups.ByName(ctx, u.GroupName())
}

// RequirePermission checks that the session holds the permission. Under
// impersonation both the actor's and the target's group must hold it,
// so impersonating can only narrow what the actor may do.
func (s *AccessService) RequirePermission(ctx context.Context, sess auth.Session, p auth.Permission) error {
	actor, err := s.groupFor(ctx, sess.Username())
	if err != nil {
		return err
	}
	if !actor.HasPermission(p) {
		return errs.Newf(errs.KindPermissionDenied, "permission %s required", p)
	}
	if target := sess.Impersonating(); target != "" {
		targetGroup, err := s.groupFor(ctx, target)
		if err != nil {
			return err
		}
		if !targetGroup.HasPermission(p) {
			return errs.Newf(errs.KindPermissionDenied,
				"impersonated user lacks permission %s", p)
		}
	}
	return nil
}

// CanAccess reports whether the named user may query the repository.
// When the request context carries an impersonating session, the
// actor's own group must also grant access.
func (s *AccessService) CanAccess(ctx context.Context, username, baseName string) (bool, error) {
	g, err := s.groupFor(ctx, username)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return false, nil
		}
		return false, err
	}
	if !g.CanAccessRepo(baseName) {
		return false, nil
	}
	if sess, ok := auth.SessionFrom(ctx); ok && sess.Impersonating() != "" && sess.Username() != username {
		actor, err := s.groupFor(ctx, sess.Username())
		if err != nil {
			return false, err
		}
		if !actor.CanAccessRepo(baseName) {
			return false, nil
		}
	}
	return true, nil
}

// CreateUser registers a user in an existing group.
func (s *AccessService) CreateUser(ctx context.Context, actor, username, password, groupName string) (auth.User, error) {
	if username == "" || password == "" {
		return auth.User{}, errs.New(errs.KindInvalidInput, "username and password are required")
	}
	if _, err := s.groups.ByName(ctx, groupName); err != nil {
		return auth.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return auth.User{}, errs.Wrap(errs.KindInternal, "hashing password", err)
	}
	u, err := s.users.Save(ctx, auth.NewUser(username, string(hash), groupName))
	if err != nil {
		return auth.User{}, err
	}
	if err := s.audit.Append(ctx, auth.AuditEvent{
		Action: auth.AuditUserCreated, Actor: actor, Target: username,
		Detail: "group=" + groupName,
	}); err != nil {
		return auth.User{}, err
	}
	return u, nil
}

// DeleteUser removes a user.
func (s *AccessService) DeleteUser(ctx context.Context, actor, username string) error {
	if username == "admin" {
		return errs.New(errs.KindInvalidInput, "the bootstrap admin cannot be deleted")
	}
	if err := s.users.Delete(ctx, username); err != nil {
		return err
	}
	return s.audit.Append(ctx, auth.AuditEvent{
		Action: auth.AuditUserDeleted, Actor: actor, Target: username,
	})
}

// SetUserGroup reassigns a user to a different group.
func (s *AccessService) SetUserGroup(ctx context.Context, actor, username, groupName string) (auth.User, error) {
	if _, err := s.groups.ByName(ctx, groupName); err != nil {
		return auth.User{}, err
	}
	u, err := s.users.ByUsername(ctx, username)
	if err != nil {
		return auth.User{}, err
	}
	u, err = s.users.Save(ctx, u.WithGroup(groupName))
	if err != nil {
		return auth.User{}, err
	}
	if err := s.audit.Append(ctx, auth.AuditEvent{
		Action: auth.AuditGroupChanged, Actor: actor, Target: username,
		Detail: "group=" + groupName,
	}); err != nil {
		return auth.User{}, err
	}
	return u, nil
}

// ChangePassword updates a user's password hash.
func (s *AccessService) ChangePassword(ctx context.Context, username, password string) error {
	if password == "" {
		return errs.New(errs.KindInvalidInput, "password must not be empty")
	}
	u, err := s.users.ByUsername(ctx, username)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "hashing password", err)
	}
	_, err = s.users.Save(ctx, u.WithPasswordHash(string(hash)))
	return err
}

// ListUsers returns all users.
func (s *AccessService) ListUsers(ctx context.Context) ([]auth.User, error) {
	return s.users.All(ctx)
}

// UpsertGroup creates or replaces a group after validating its
// permission tokens.
func (s *AccessService) UpsertGroup(ctx context.Context, actor string, g auth.Group) (auth.Group, error) {
	if g.Name() == "" {
		return auth.Group{}, errs.New(errs.KindInvalidInput, "group name is required")
	}
	for _, p := range g.Permissions() {
		if !p.Known() {
			return auth.Group{}, errs.Newf(errs.KindInvalidInput, "unknown permission %q", p)
		}
	}
	saved, err := s.groups.Save(ctx, g)
	if err != nil {
		return auth.Group{}, err
	}
	if err := s.audit.Append(ctx, auth.AuditEvent{
		Action: auth.AuditGroupChanged, Actor: actor, Target: g.Name(),
	}); err != nil {
		return auth.Group{}, err
	}
	return saved, nil
}

// DeleteGroup removes a group. Groups still referenced by users must be
// reassigned first.
func (s *AccessService) DeleteGroup(ctx context.Context, actor, name string) error {
	users, err := s.users.All(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.GroupName() == name {
			return errs.Newf(errs.KindConflict,
				"group %q still has members; reassign them first", name)
		}
	}
	if err := s.groups.Delete(ctx, name); err != nil {
		return err
	}
	return s.audit.Append(ctx, auth.AuditEvent{
		Action: auth.AuditGroupChanged, Actor: actor, Target: name, Detail: "deleted",
	})
}

// ListGroups returns all groups.
func (s *AccessService) ListGroups(ctx context.Context) ([]auth.Group, error) {
	return s.groups.All(ctx)
}

// AuditLog queries the audit trail.
func (s *AccessService) AuditLog(ctx context.Context, since, until time.Time, limit int) ([]auth.AuditEvent, error) {
	return s.audit.Query(ctx, since, until, limit)
}

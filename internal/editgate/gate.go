// Package editgate unlocks editing with a shared key and hands out editor
// tokens backed by revocable grants.
package editgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"readingnotes/api/internal/auth"
	"readingnotes/api/internal/rbac"
	"readingnotes/api/internal/session"
)

var (
	ErrEditingDisabled = errors.New("editing is disabled")
	ErrWrongKey        = errors.New("wrong editing key")
	ErrTooManyAttempts = errors.New("too many unlock attempts")
	ErrNotEditor       = errors.New("editor token required")
)

// GrantStore persists editor grants and failed unlock counters.
type GrantStore interface {
	SaveEditorGrant(ctx context.Context, tokenHash string, grant session.Grant, expiresAt time.Time) error
	LookupEditorGrant(ctx context.Context, tokenHash string) (session.Grant, error)
	RevokeEditorGrant(ctx context.Context, tokenHash string) error
	RecordFailedUnlock(ctx context.Context, client string, window time.Duration) (int64, error)
	FailedUnlocks(ctx context.Context, client string) (int64, error)
	ResetFailedUnlocks(ctx context.Context, client string) error
}

type Options struct {
	TTL         time.Duration
	Cost        int
	MaxAttempts int64
	Window      time.Duration
}

type Gate struct {
	keyHash []byte
	project string
	signer  *auth.Signer
	grants  GrantStore
	opts    Options
}

// New hashes editingKey once; the plain key is not retained. An empty key
// disables editing.
func New(editingKey, project string, signer *auth.Signer, grants GrantStore, opts Options) (*Gate, error) {
	if opts.TTL <= 0 {
		opts.TTL = 12 * time.Hour
	}
	if opts.Cost == 0 {
		opts.Cost = bcrypt.DefaultCost
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Window <= 0 {
		opts.Window = 15 * time.Minute
	}
	g := &Gate{project: project, signer: signer, grants: grants, opts: opts}
	if editingKey == "" {
		return g, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(editingKey), opts.Cost)
	if err != nil {
		return nil, fmt.Errorf("hash editing key: %w", err)
	}
	g.keyHash = hash
	return g, nil
}

func (g *Gate) Enabled() bool {
	return len(g.keyHash) > 0
}

type Unlocked struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Unlock checks key for client and, when it matches, issues an editor token.
func (g *Gate) Unlock(ctx context.Context, key, client string) (Unlocked, error) {
	if !g.Enabled() {
		return Unlocked{}, ErrEditingDisabled
	}
	failed, err := g.grants.FailedUnlocks(ctx, client)
	if err != nil {
		return Unlocked{}, err
	}
	if failed >= g.opts.MaxAttempts {
		return Unlocked{}, ErrTooManyAttempts
	}

	if err := bcrypt.CompareHashAndPassword(g.keyHash, []byte(key)); err != nil {
		if _, recordErr := g.grants.RecordFailedUnlock(ctx, client, g.opts.Window); recordErr != nil {
			return Unlocked{}, recordErr
		}
		return Unlocked{}, ErrWrongKey
	}

	token, claims, err := g.signer.Issue(g.project, string(rbac.RoleEditor), g.opts.TTL)
	if err != nil {
		return Unlocked{}, err
	}
	expiresAt := time.Unix(claims.Exp, 0)
	grant := session.Grant{ProjectID: g.project, Client: client, CreatedAt: time.Now().UTC()}
	if err := g.grants.SaveEditorGrant(ctx, auth.HashToken(token), grant, expiresAt); err != nil {
		return Unlocked{}, err
	}
	if err := g.grants.ResetFailedUnlocks(ctx, client); err != nil {
		return Unlocked{}, err
	}
	return Unlocked{Token: token, ExpiresAt: expiresAt}, nil
}

// Authorize resolves a bearer token to its role. An empty token is a reader.
func (g *Gate) Authorize(ctx context.Context, token string) (rbac.Role, error) {
	if token == "" {
		return rbac.RoleReader, nil
	}
	claims, err := g.signer.Parse(token)
	if err != nil {
		return rbac.RoleReader, err
	}
	if claims.Project != g.project {
		return rbac.RoleReader, auth.ErrInvalidToken
	}
	grant, err := g.grants.LookupEditorGrant(ctx, auth.HashToken(token))
	if errors.Is(err, session.ErrGrantNotFound) {
		return rbac.RoleReader, auth.ErrExpiredToken
	}
	if err != nil {
		return rbac.RoleReader, err
	}
	if grant.ProjectID != g.project {
		return rbac.RoleReader, auth.ErrInvalidToken
	}
	return rbac.Normalize(claims.Role), nil
}

// Lock revokes the grant behind token.
func (g *Gate) Lock(ctx context.Context, token string) error {
	if _, err := g.signer.Parse(token); err != nil && !errors.Is(err, auth.ErrExpiredToken) {
		return err
	}
	return g.grants.RevokeEditorGrant(ctx, auth.HashToken(token))
}

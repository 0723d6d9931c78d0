package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/repo"
)

// WhoAmI returns the stored roles and permissions of an actor.
func (e Engine) WhoAmI(ctx context.Context, actorID string) (domain.WhoAmI, error) {
	roles, err := e.Repo.ActorRoles(ctx, nil, actorID)
	if err != nil {
		return domain.WhoAmI{}, err
	}
	perms, err := e.Repo.ActorPermissions(ctx, nil, actorID)
	if err != nil {
		return domain.WhoAmI{}, err
	}
	return domain.WhoAmI{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// GrantRole gives actorID a seeded role.
func (e Engine) GrantRole(ctx context.Context, byActor, actorID, roleID string) error {
	return e.changeRole(ctx, byActor, actorID, roleID, true)
}

func (e Engine) RevokeRole(ctx context.Context, byActor, actorID, roleID string) error {
	return e.changeRole(ctx, byActor, actorID, roleID, false)
}

func (e Engine) changeRole(ctx context.Context, byActor, actorID, roleID string, grant bool) error {
	actorID, roleID = strings.TrimSpace(actorID), strings.TrimSpace(roleID)
	if actorID == "" || roleID == "" {
		return newError(CodeInvalidPayload, "actor_id and role_id are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := e.Repo.RoleExists(ctx, tx, roleID)
	if err != nil {
		return err
	}
	if !ok {
		return newError(CodeInvalidPayload, "unknown role %s", roleID)
	}
	evt := "rbac.role_revoked"
	if grant {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, e.timestamp()); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, actorID, roleID); err != nil {
			return err
		}
		evt = "rbac.role_granted"
	} else if err := e.Repo.RevokeRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	if err := e.eventWriter().Append(ctx, tx, evt, "actor", actorID, byActor, events.Payload{"role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey stores a new key for actorID and returns the raw secret once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", newError(CodeInvalidPayload, "actor_id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	secret := "so_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return notFound(err, CodeInvalidPayload, "api key %s not found", id)
	}
	return nil
}

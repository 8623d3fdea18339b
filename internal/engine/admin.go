package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"etdflow/internal/config"
	"etdflow/internal/domain"
	"etdflow/internal/engine/auth"
	"etdflow/internal/events"
	"etdflow/internal/repo"
)

const (
	actionManageKeys   domain.Action = "manage_api_keys"
	actionManageConfig domain.Action = "manage_config"
)

func requireAdmin(p auth.Principal, action domain.Action) error {
	if p.Role != domain.RoleAdmin {
		return auth.ForbiddenError{Role: p.Role, Action: action, Reason: "admin role required"}
	}
	return nil
}

// APIKeyInput binds a new key to an identity.
type APIKeyInput struct {
	ActorID string
	Role    domain.Role
	Region  string
	Agency  domain.Agency
	Name    string
}

// CreateAPIKey stores a new key and returns it with the plaintext secret.
// Only the hash is persisted.
func (e Engine) CreateAPIKey(ctx context.Context, p auth.Principal, in APIKeyInput) (domain.APIKey, string, error) {
	if err := requireAdmin(p, actionManageKeys); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := requireText("actor_id", in.ActorID); err != nil {
		return domain.APIKey{}, "", err
	}
	role, ok := domain.ParseRole(string(in.Role))
	if !ok {
		return domain.APIKey{}, "", invalid("role", fmt.Sprintf("unknown role %q", in.Role))
	}
	agency := domain.Agency(strings.ToUpper(strings.TrimSpace(string(in.Agency))))
	if agency != "" && !e.knownAgency(agency) {
		return domain.APIKey{}, "", invalid("agency", fmt.Sprintf("unknown agency %q", in.Agency))
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "etd_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   strings.TrimSpace(in.ActorID),
		Role:      role,
		Region:    strings.TrimSpace(in.Region),
		Agency:    agency,
		Name:      strings.TrimSpace(in.Name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.TypeAPIKeyCreated,
		EntityKind: "apikey",
		EntityID:   key.ID,
		ActorID:    p.ActorID,
		ActorRole:  string(p.Role),
		Payload:    events.EventPayload{"actor_id": key.ActorID, "role": key.Role, "agency": key.Agency},
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) DeleteAPIKey(ctx context.Context, p auth.Principal, id string) error {
	if err := requireAdmin(p, actionManageKeys); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return fmt.Errorf("api key %s: %w", id, err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.TypeAPIKeyDeleted,
		EntityKind: "apikey",
		EntityID:   id,
		ActorID:    p.ActorID,
		ActorRole:  string(p.Role),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []domain.APIKey{}
	}
	return keys, nil
}

// ImportConfig validates cfg and makes it the stored service config. The
// running engine keeps its loaded config until restarted.
func (e Engine) ImportConfig(ctx context.Context, p auth.Principal, cfg *config.Config) error {
	if err := requireAdmin(p, actionManageConfig); err != nil {
		return err
	}
	if cfg == nil {
		return invalid("config", "is required")
	}
	if err := cfg.Validate(); err != nil {
		return invalid("config", err.Error())
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertConfig(ctx, tx, cfg); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.TypeConfigUpdated,
		EntityKind: "config",
		EntityID:   cfg.Service.ID,
		ActorID:    p.ActorID,
		ActorRole:  string(p.Role),
		Payload:    events.EventPayload{"agencies": len(cfg.Agencies.Catalog), "regions": len(cfg.Agencies.Routing.Regions)},
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("config imported", zap.String("service_id", cfg.Service.ID), zap.String("actor_id", p.ActorID))
	return nil
}

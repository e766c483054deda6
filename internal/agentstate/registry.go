package agentstate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"voicedialer/internal/store"
)

// ExtensionSource provides the authoritative agent-id -> SIP extension map.
type ExtensionSource interface {
	AgentExtensions(ctx context.Context) (map[string]string, error)
}

// Registry resolves agent identifiers to SIP extensions, caching the map in
// the state store so the event handlers avoid a database hit per call.
type Registry struct {
	store  *store.Store
	source ExtensionSource
	logger zerolog.Logger
}

func NewRegistry(s *store.Store, source ExtensionSource, logger zerolog.Logger) *Registry {
	return &Registry{store: s, source: source, logger: logger}
}

// Extension resolves one agent's extension.
func (r *Registry) Extension(ctx context.Context, agentID string) (string, error) {
	mapping, err := r.Mapping(ctx)
	if err != nil {
		return "", err
	}
	ext, ok := mapping[agentID]
	if !ok {
		return "", fmt.Errorf("registry: no extension for agent %s", agentID)
	}
	return ext, nil
}

// AgentByExtension resolves the reverse direction; transfers identify the
// destination agent only by the dialed extension.
func (r *Registry) AgentByExtension(ctx context.Context, extension string) (string, error) {
	mapping, err := r.Mapping(ctx)
	if err != nil {
		return "", err
	}
	for id, ext := range mapping {
		if ext == extension {
			return id, nil
		}
	}
	return "", fmt.Errorf("registry: no agent with extension %s", extension)
}

// Mapping returns the cached extension map, refreshing from the source on a
// cache miss.
func (r *Registry) Mapping(ctx context.Context) (map[string]string, error) {
	raw, err := r.store.Client().Get(ctx, store.AgentExtensionMappingKey).Result()
	if err == nil {
		var mapping map[string]string
		if jsonErr := json.Unmarshal([]byte(raw), &mapping); jsonErr == nil {
			return mapping, nil
		}
		r.logger.Warn().Msg("extension mapping cache undecodable, refreshing")
	} else if err != redis.Nil {
		return nil, fmt.Errorf("reading extension mapping: %w", err)
	}
	return r.Refresh(ctx)
}

// Refresh reloads the mapping from the source and repopulates the cache.
func (r *Registry) Refresh(ctx context.Context) (map[string]string, error) {
	mapping, err := r.source.AgentExtensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading agent extensions: %w", err)
	}
	data, err := json.Marshal(mapping)
	if err != nil {
		return nil, fmt.Errorf("encoding extension mapping: %w", err)
	}
	if err := r.store.Client().Set(ctx, store.AgentExtensionMappingKey, data, 0).Err(); err != nil {
		r.logger.Error().Err(err).Msg("failed to cache extension mapping")
	}
	return mapping, nil
}

package ethos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// ResolveSingle fetches the score, stats and, for Discord identities, the primary address.
// Returns ErrProfileNotFound when the directory has no profile.
func (c *Client) ResolveSingle(ctx context.Context, identity Identity) (*Profile, error) {
	key := identity.Key()

	raw, err := c.get(ctx, scorePath, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch score for %s: %w", key, err)
	}

	score, err := decodeScore(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode score for %s: %w", key, err)
	}

	profile := &Profile{
		Identity:   identity,
		Score:      score,
		HasProfile: true,
	}

	raw, err = c.get(ctx, statsPath, key)
	switch {
	case errors.Is(err, ErrProfileNotFound):
		// Scored profiles without engagement have no stats
	case err != nil:
		return nil, fmt.Errorf("failed to fetch stats for %s: %w", key, err)
	default:
		stats, err := decodeStats(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode stats for %s: %w", key, err)
		}

		profile.applyStats(stats)
	}

	if identity.Platform == PlatformDiscord {
		profile.PrimaryAddress = c.primaryAddress(ctx, key)
	}

	return profile, nil
}

// primaryAddress looks up the linked wallet. Failures mean no address.
func (c *Client) primaryAddress(ctx context.Context, key string) string {
	raw, err := c.get(ctx, addressPath, key)
	if err != nil {
		if !errors.Is(err, ErrProfileNotFound) {
			c.logger.Debug("Failed to fetch primary address",
				zap.String("userkey", key),
				zap.Error(err))
		}

		return ""
	}

	address, err := decodeAddress(raw)
	if err != nil {
		c.logger.Debug("Failed to decode primary address",
			zap.String("userkey", key),
			zap.Error(err))

		return ""
	}

	return address
}

// ResolveBatch resolves every identity, paging through the bulk endpoints.
// Identities a page omits or fails to decode are resolved individually, so the
// result holds an entry for every input keyed by Identity.Key.
func (c *Client) ResolveBatch(ctx context.Context, identities []Identity) (map[string]*Profile, error) {
	unique := make([]Identity, 0, len(identities))
	seen := make(map[string]struct{}, len(identities))

	for _, identity := range identities {
		if _, ok := seen[identity.Key()]; ok {
			continue
		}

		seen[identity.Key()] = struct{}{}
		unique = append(unique, identity)
	}

	results := make(map[string]*Profile, len(unique))

	var fallback []Identity

	for page := range slices.Chunk(unique, c.batchSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resolved, missing := c.resolvePage(ctx, page)
		for key, profile := range resolved {
			results[key] = profile
		}

		fallback = append(fallback, missing...)
	}

	if len(fallback) > 0 {
		c.logger.Info("Resolving identities individually",
			zap.Int("count", len(fallback)),
			zap.Int("total", len(unique)))
	}

	for _, identity := range fallback {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		results[identity.Key()] = c.resolveFallback(ctx, identity)
	}

	return results, nil
}

// resolvePage resolves one page through the bulk endpoints and returns the
// identities that need individual resolution.
func (c *Client) resolvePage(ctx context.Context, page []Identity) (map[string]*Profile, []Identity) {
	keys := make([]string, len(page))
	for i, identity := range page {
		keys[i] = identity.Key()
	}

	scores, err := c.bulk(ctx, bulkScorePath, keys)
	if err != nil {
		c.logger.Warn("Bulk score lookup failed, falling back",
			zap.Int("size", len(page)),
			zap.Error(err))

		return nil, page
	}

	stats, err := c.bulk(ctx, bulkStatsPath, keys)
	if err != nil {
		c.logger.Warn("Bulk stats lookup failed, falling back",
			zap.Int("size", len(page)),
			zap.Error(err))

		return nil, page
	}

	resolved := make(map[string]*Profile, len(page))

	var missing []Identity

	for _, identity := range page {
		key := identity.Key()

		rawScore, hasScore := scores[key]
		rawStats, hasStats := stats[key]

		if !hasScore || !hasStats {
			missing = append(missing, identity)
			continue
		}

		score, err := decodeScore(rawScore)
		if err != nil || score == nil {
			missing = append(missing, identity)
			continue
		}

		entryStats, err := decodeStats(rawStats)
		if err != nil {
			missing = append(missing, identity)
			continue
		}

		profile := &Profile{
			Identity:   identity,
			Score:      score,
			HasProfile: true,
		}
		profile.applyStats(entryStats)

		// Bulk endpoints carry no addresses, which decide whether a neutral
		// profile without engagement is default
		if profile.needsAddress() {
			missing = append(missing, identity)
			continue
		}

		resolved[key] = profile
	}

	return resolved, missing
}

// bulk posts a page of userkeys and decodes the per-userkey entries.
func (c *Client) bulk(ctx context.Context, path string, keys []string) (map[string]json.RawMessage, error) {
	raw, err := c.post(ctx, path, keys)
	if err != nil {
		return nil, err
	}

	return decodeKeyed(raw)
}

// resolveFallback resolves one identity, mapping failures to placeholder entries.
func (c *Client) resolveFallback(ctx context.Context, identity Identity) *Profile {
	profile, err := c.ResolveSingle(ctx, identity)
	switch {
	case err == nil:
		return profile
	case errors.Is(err, ErrProfileNotFound):
		return MissingProfile(identity)
	default:
		c.logger.Warn("Failed to resolve identity",
			zap.String("userkey", identity.Key()),
			zap.Error(err))

		missing := MissingProfile(identity)
		missing.Unresolved = true

		return missing
	}
}

// OwnsValidator reports whether the identity holds a validator credential.
// Any failure is treated as non-ownership.
func (c *Client) OwnsValidator(ctx context.Context, identity Identity) bool {
	key := identity.Key()

	raw, err := c.get(ctx, validatorPath, key)
	if err != nil {
		if !errors.Is(err, ErrProfileNotFound) {
			c.logger.Warn("Validator lookup failed",
				zap.String("userkey", key),
				zap.Error(err))
		}

		return false
	}

	owns, err := decodeBool(raw)
	if err != nil {
		c.logger.Warn("Failed to decode validator ownership",
			zap.String("userkey", key),
			zap.Error(err))

		return false
	}

	return owns
}

func (p *Profile) applyStats(stats Stats) {
	p.ReviewCount = stats.ReviewCount
	p.PositiveReviewPercentage = stats.PositiveReviewPercentage
	p.VouchCount = stats.VouchCount
	p.VouchBalance = stats.VouchBalance
}

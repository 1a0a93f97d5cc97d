package guild

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/discord/api"
	"go.uber.org/zap"
)

// MembersPageSize is the maximum page size of the list members endpoint.
const MembersPageSize = 1000

// Service reads guild members and mutates their roles through the rate-limited client.
type Service struct {
	api    *api.Client
	logger *zap.Logger
}

// NewService creates a guild service.
func NewService(client *api.Client, logger *zap.Logger) *Service {
	return &Service{
		api:    client,
		logger: logger.Named("guild"),
	}
}

// GetMember fetches one member with their live roles.
func (s *Service) GetMember(ctx context.Context, guildID, userID snowflake.ID) (*discord.Member, error) {
	resp, err := s.api.Call(ctx, http.MethodGet, fmt.Sprintf("/guilds/%s/members/%s", guildID, userID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get member %s: %w", userID, err)
	}

	var member discord.Member
	if err := resp.Decode(&member); err != nil {
		return nil, fmt.Errorf("failed to decode member %s: %w", userID, err)
	}

	return &member, nil
}

// ListMembers returns every guild member in member-list order.
func (s *Service) ListMembers(ctx context.Context, guildID snowflake.ID) ([]discord.Member, error) {
	var members []discord.Member
	var after snowflake.ID

	for {
		resp, err := s.api.Call(ctx, http.MethodGet, fmt.Sprintf("/guilds/%s/members", guildID), nil,
			api.WithQuery("limit", strconv.Itoa(MembersPageSize)),
			api.WithQuery("after", after.String()))
		if err != nil {
			return nil, fmt.Errorf("failed to list members of guild %s: %w", guildID, err)
		}

		var chunk []discord.Member
		if err := resp.Decode(&chunk); err != nil {
			return nil, fmt.Errorf("failed to decode members of guild %s: %w", guildID, err)
		}

		members = append(members, chunk...)

		// Check if we got less than a full page (last page)
		if len(chunk) < MembersPageSize {
			break
		}

		after = chunk[len(chunk)-1].User.ID
	}

	s.logger.Debug("Listed guild members",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Int("count", len(members)))

	return members, nil
}

// MembersWithAnyRole returns the members holding at least one of the roles.
func (s *Service) MembersWithAnyRole(
	ctx context.Context, guildID snowflake.ID, roleIDs []snowflake.ID,
) ([]discord.Member, error) {
	members, err := s.ListMembers(ctx, guildID)
	if err != nil {
		return nil, err
	}

	filtered := make([]discord.Member, 0, len(members))
	for _, member := range members {
		if slices.ContainsFunc(member.RoleIDs, func(id snowflake.ID) bool {
			return slices.Contains(roleIDs, id)
		}) {
			filtered = append(filtered, member)
		}
	}

	return filtered, nil
}

// AddRole grants a role to a member.
func (s *Service) AddRole(ctx context.Context, guildID, userID, roleID snowflake.ID, reason string) error {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles/%s", guildID, userID, roleID)
	if _, err := s.api.Call(ctx, http.MethodPut, path, nil, api.WithAuditReason(reason)); err != nil {
		return fmt.Errorf("failed to add role %s to %s: %w", roleID, userID, err)
	}

	return nil
}

// RemoveRole revokes a role from a member.
func (s *Service) RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID, reason string) error {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles/%s", guildID, userID, roleID)
	if _, err := s.api.Call(ctx, http.MethodDelete, path, nil, api.WithAuditReason(reason)); err != nil {
		return fmt.Errorf("failed to remove role %s from %s: %w", roleID, userID, err)
	}

	return nil
}

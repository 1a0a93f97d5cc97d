package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/discord/api"
	"github.com/ethoslink/rolesync/internal/ethos"
	"github.com/ethoslink/rolesync/internal/reconcile"
	"github.com/ethoslink/rolesync/internal/roles"
	"github.com/ethoslink/rolesync/internal/setup/config"
	"github.com/ethoslink/rolesync/pkg/utils"
	"go.uber.org/zap/zaptest"
)

const testGuild = snowflake.ID(999)

var errMutationFailed = errors.New("mutation failed")

// fakeGuild is an in-memory guild.
type fakeGuild struct {
	mu       sync.Mutex
	order    []snowflake.ID
	roles    map[snowflake.ID][]snowflake.ID
	ops      []string
	gets     map[snowflake.ID]int
	lists    int
	failRole snowflake.ID
}

func newFakeGuild() *fakeGuild {
	return &fakeGuild{
		roles: make(map[snowflake.ID][]snowflake.ID),
		gets:  make(map[snowflake.ID]int),
	}
}

func (g *fakeGuild) addMember(userID snowflake.ID, roleIDs ...snowflake.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.order = append(g.order, userID)
	g.roles[userID] = slices.Clone(roleIDs)
}

func (g *fakeGuild) rolesOf(userID snowflake.ID) []snowflake.ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	return slices.Clone(g.roles[userID])
}

func (g *fakeGuild) operations() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return slices.Clone(g.ops)
}

func (g *fakeGuild) getCount(userID snowflake.ID) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.gets[userID]
}

func (g *fakeGuild) listCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.lists
}

func (g *fakeGuild) GetMember(_ context.Context, _, userID snowflake.ID) (*discord.Member, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.gets[userID]++

	roleIDs, ok := g.roles[userID]
	if !ok {
		return nil, &api.APIError{StatusCode: http.StatusNotFound, Message: "Unknown Member"}
	}

	return &discord.Member{
		User:    discord.User{ID: userID},
		RoleIDs: slices.Clone(roleIDs),
	}, nil
}

func (g *fakeGuild) MembersWithAnyRole(
	_ context.Context, _ snowflake.ID, roleIDs []snowflake.ID,
) ([]discord.Member, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lists++

	var members []discord.Member

	for _, userID := range g.order {
		held := g.roles[userID]
		if slices.ContainsFunc(held, func(id snowflake.ID) bool { return slices.Contains(roleIDs, id) }) {
			members = append(members, discord.Member{
				User:    discord.User{ID: userID},
				RoleIDs: slices.Clone(held),
			})
		}
	}

	return members, nil
}

func (g *fakeGuild) AddRole(_ context.Context, _, userID, roleID snowflake.ID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if roleID == g.failRole {
		return errMutationFailed
	}

	g.ops = append(g.ops, fmt.Sprintf("add %d %d", userID, roleID))
	if !slices.Contains(g.roles[userID], roleID) {
		g.roles[userID] = append(g.roles[userID], roleID)
	}

	return nil
}

func (g *fakeGuild) RemoveRole(_ context.Context, _, userID, roleID snowflake.ID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if roleID == g.failRole {
		return errMutationFailed
	}

	g.ops = append(g.ops, fmt.Sprintf("remove %d %d", userID, roleID))
	g.roles[userID] = slices.DeleteFunc(g.roles[userID], func(id snowflake.ID) bool { return id == roleID })

	return nil
}

// fakeDirectory serves profiles keyed by Discord user id.
type fakeDirectory struct {
	mu             sync.Mutex
	profiles       map[string]*ethos.Profile
	validators     map[string]bool
	batchCalls     int
	batchSizes     []int
	validatorCalls int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		profiles:   make(map[string]*ethos.Profile),
		validators: make(map[string]bool),
	}
}

func (d *fakeDirectory) setProfile(userID snowflake.ID, score, reviews int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	identity := ethos.DiscordIdentity(userID)
	d.profiles[identity.Key()] = &ethos.Profile{
		Identity:    identity,
		Score:       &score,
		ReviewCount: reviews,
		HasProfile:  true,
	}
}

func (d *fakeDirectory) setValidator(userID snowflake.ID, owns bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.validators[ethos.DiscordIdentity(userID).Key()] = owns
}

func (d *fakeDirectory) ResolveSingle(_ context.Context, identity ethos.Identity) (*ethos.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	profile, ok := d.profiles[identity.Key()]
	if !ok {
		return nil, ethos.ErrProfileNotFound
	}

	clone := *profile

	return &clone, nil
}

func (d *fakeDirectory) ResolveBatch(
	_ context.Context, identities []ethos.Identity,
) (map[string]*ethos.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.batchCalls++
	d.batchSizes = append(d.batchSizes, len(identities))

	out := make(map[string]*ethos.Profile, len(identities))
	for _, identity := range identities {
		if profile, ok := d.profiles[identity.Key()]; ok {
			clone := *profile
			out[identity.Key()] = &clone
		} else {
			out[identity.Key()] = ethos.MissingProfile(identity)
		}
	}

	return out, nil
}

func (d *fakeDirectory) OwnsValidator(_ context.Context, identity ethos.Identity) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.validatorCalls++

	return d.validators[identity.Key()]
}

// memCache is an in-memory sync cache.
type memCache struct {
	mu     sync.Mutex
	synced map[snowflake.ID]bool
}

func newMemCache() *memCache {
	return &memCache{synced: make(map[snowflake.ID]bool)}
}

func (c *memCache) IsFresh(_ context.Context, userID snowflake.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.synced[userID]
}

func (c *memCache) MarkSynced(_ context.Context, userID snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.synced[userID] = true

	return nil
}

func (c *memCache) Clear(_ context.Context, userID snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.synced, userID)

	return nil
}

// memLedger records changes in memory.
type memLedger struct {
	mu      sync.Mutex
	changes []reconcile.Change
}

func (l *memLedger) Record(_ context.Context, change reconcile.Change) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.changes = append(l.changes, change)

	return nil
}

func (l *memLedger) all() []reconcile.Change {
	l.mu.Lock()
	defer l.mu.Unlock()

	return slices.Clone(l.changes)
}

// testEnv bundles an engine with its fakes.
type testEnv struct {
	engine    *reconcile.Engine
	guild     *fakeGuild
	directory *fakeDirectory
	cache     *memCache
	ledger    *memLedger
	clock     *utils.FakeClock
	roles     config.Roles
}

func newTestEnv(t *testing.T, batchSize int) *testEnv {
	t.Helper()

	cfg := config.Default()
	env := &testEnv{
		guild:     newFakeGuild(),
		directory: newFakeDirectory(),
		cache:     newMemCache(),
		ledger:    &memLedger{},
		clock:     utils.NewFakeClock(time.Unix(1_700_000_000, 0)),
		roles:     cfg.Roles,
	}

	env.engine = reconcile.New(reconcile.Params{
		Guild:                env.guild,
		Directory:            env.directory,
		Cache:                env.cache,
		Policy:               roles.NewPolicy(&cfg.Roles),
		Clock:                env.clock,
		Ledger:               env.ledger,
		Logger:               zaptest.NewLogger(t),
		MemberDelay:          300 * time.Millisecond,
		RoleDelay:            200 * time.Millisecond,
		BatchDelay:           2 * time.Second,
		BatchSize:            batchSize,
		ValidatorConcurrency: 4,
	})

	return env
}

func (e *testEnv) role(id uint64) snowflake.ID {
	return snowflake.ID(id)
}

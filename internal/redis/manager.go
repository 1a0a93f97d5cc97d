package redis

import (
	"fmt"
	"sync"

	"github.com/ethoslink/rolesync/internal/setup/config"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

const (
	// SyncCacheDBIndex holds the per-user sync records.
	SyncCacheDBIndex = 0
)

// Manager hands out one rueidis client per database index.
// Clients are created lazily and shared afterwards.
type Manager struct {
	clients map[int]rueidis.Client
	option  rueidis.ClientOption
	logger  *zap.Logger
	mu      sync.Mutex
}

// NewManager creates a manager for the configured Redis server.
func NewManager(cfg *config.Redis, logger *zap.Logger) *Manager {
	return NewManagerWithOption(rueidis.ClientOption{
		InitAddress:         []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Username:            cfg.Username,
		Password:            cfg.Password,
		ClientName:          "rolesync",
		ReadBufferEachConn:  1 << 18,
		WriteBufferEachConn: 1 << 18,
	}, logger)
}

// NewManagerWithOption creates a manager from a base client option.
// SelectDB is overridden per client.
func NewManagerWithOption(option rueidis.ClientOption, logger *zap.Logger) *Manager {
	return &Manager{
		clients: make(map[int]rueidis.Client),
		option:  option,
		logger:  logger.Named("redis"),
	}
}

// GetClient retrieves or creates the client for a database index.
func (m *Manager) GetClient(dbIndex int) (rueidis.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, exists := m.clients[dbIndex]; exists {
		return client, nil
	}

	option := m.option
	option.SelectDB = dbIndex

	client, err := rueidis.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client for DB %d: %w", dbIndex, err)
	}

	m.clients[dbIndex] = client
	m.logger.Info("Created new Redis client", zap.Int("dbIndex", dbIndex))

	return client, nil
}

// Close shuts down every client. Safe to call multiple times.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for dbIndex, client := range m.clients {
		client.Close()
		delete(m.clients, dbIndex)
		m.logger.Info("Closed Redis client", zap.Int("dbIndex", dbIndex))
	}
}

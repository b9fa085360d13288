package multiapp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"

	"forge-backend/internal/ai"
	"forge-backend/internal/config"
	"forge-backend/internal/instrument"
	"forge-backend/internal/metadata"
	"forge-backend/internal/storage"
	"forge-backend/internal/store"
)

// AppManager manages the lifecycle of per-app resources.
type AppManager struct {
	mu          sync.RWMutex
	apps        map[string]*AppContext
	mgmtStore   *store.Store
	dbConfig    config.DatabaseConfig
	poolSize    int
	fileStorage storage.FileStorage
	maxFileSize int64
	instrConfig config.InstrumentationConfig
	aiProvider  *ai.Provider // nil when AI is not configured
}

// NewAppManager creates an AppManager backed by the management database.
func NewAppManager(mgmtStore *store.Store, dbCfg config.DatabaseConfig, appPoolSize int, fs storage.FileStorage, maxFileSize int64, instrCfg config.InstrumentationConfig, aiCfg config.AIConfig) *AppManager {
	return &AppManager{
		apps:        make(map[string]*AppContext),
		mgmtStore:   mgmtStore,
		dbConfig:    dbCfg,
		poolSize:    appPoolSize,
		fileStorage: fs,
		maxFileSize: maxFileSize,
		instrConfig: instrCfg,
		aiProvider:  ai.NewProvider(aiCfg.BaseURL, aiCfg.APIKey, aiCfg.Model),
	}
}

// Get returns the AppContext for the given app, lazy-initializing on cache miss.
func (m *AppManager) Get(ctx context.Context, appName string) (*AppContext, error) {
	m.mu.RLock()
	ac, ok := m.apps[appName]
	m.mu.RUnlock()
	if ok {
		return ac, nil
	}

	// Cache miss — look up in _apps and initialize
	return m.initApp(ctx, appName)
}

// Create provisions a new app: creates database, bootstraps, caches.
func (m *AppManager) Create(ctx context.Context, name, displayName string) (*AppContext, error) {
	dbName := "forge_" + name
	jwtSecret := generateJWTSecret()

	// Create the database
	if err := store.CreateDatabase(ctx, m.mgmtStore, dbName); err != nil {
		return nil, fmt.Errorf("create database %s: %w", dbName, err)
	}

	// Register in _apps
	pb := m.mgmtStore.Dialect.NewParamBuilder()
	_, err := store.Exec(ctx, m.mgmtStore.DB,
		fmt.Sprintf(`INSERT INTO _apps (name, display_name, db_name, db_driver, jwt_secret) VALUES (%s, %s, %s, %s, %s)`,
			pb.Add(name), pb.Add(displayName), pb.Add(dbName), pb.Add(m.mgmtStore.Dialect.Name()), pb.Add(jwtSecret)),
		pb.Params()...)
	if err != nil {
		// Clean up: drop the database if registration fails
		_ = store.DropDatabase(ctx, m.mgmtStore, dbName)
		return nil, fmt.Errorf("register app: %w", err)
	}

	// Connect to the new database
	appCfg := store.ConnStringForDB(m.dbConfig, dbName)
	appStore, err := store.NewWithPoolSize(ctx, appCfg, m.poolSize)
	if err != nil {
		return nil, fmt.Errorf("connect to app database %s: %w", dbName, err)
	}

	// Bootstrap system tables + seed admin user
	if err := appStore.Bootstrap(ctx); err != nil {
		appStore.Close()
		return nil, fmt.Errorf("bootstrap app %s: %w", name, err)
	}

	ac := m.buildAppContext(ctx, name, dbName, jwtSecret, appStore)

	m.mu.Lock()
	m.apps[name] = ac
	m.mu.Unlock()

	return ac, nil
}

// Delete tears down an app: closes pool, drops database, removes from _apps.
func (m *AppManager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	ac, ok := m.apps[name]
	if ok {
		if ac.EventBuffer != nil {
			ac.EventBuffer.Stop()
		}
		ac.Store.Close()
		delete(m.apps, name)
	}
	m.mu.Unlock()

	// Look up db_name from _apps
	var dbName string
	err := m.mgmtStore.DB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT db_name FROM _apps WHERE name = %s", m.mgmtStore.Dialect.Placeholder(1)), name).Scan(&dbName)
	if err != nil {
		return fmt.Errorf("app not found: %s", name)
	}

	// Remove from _apps
	pb := m.mgmtStore.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, m.mgmtStore.DB,
		fmt.Sprintf("DELETE FROM _apps WHERE name = %s", pb.Add(name)), pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete app record: %w", err)
	}

	// Drop the database
	if err := store.DropDatabase(ctx, m.mgmtStore, dbName); err != nil {
		return fmt.Errorf("drop database %s: %w", dbName, err)
	}

	return nil
}

// List returns all registered apps.
func (m *AppManager) List(ctx context.Context) ([]AppInfo, error) {
	rows, err := store.QueryRows(ctx, m.mgmtStore.DB,
		"SELECT name, display_name, db_name, db_driver, status, created_at, updated_at FROM _apps ORDER BY name",
	)
	if err != nil {
		return nil, err
	}

	apps := make([]AppInfo, 0, len(rows))
	for _, row := range rows {
		apps = append(apps, appInfoFromRow(row))
	}
	return apps, nil
}

// GetApp returns a single app's info from _apps.
func (m *AppManager) GetApp(ctx context.Context, name string) (*AppInfo, error) {
	pb := m.mgmtStore.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, m.mgmtStore.DB,
		fmt.Sprintf("SELECT name, display_name, db_name, db_driver, status, created_at, updated_at FROM _apps WHERE name = %s", pb.Add(name)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	info := appInfoFromRow(row)
	return &info, nil
}

func appInfoFromRow(row map[string]any) AppInfo {
	return AppInfo{
		Name:        fmt.Sprintf("%v", row["name"]),
		DisplayName: fmt.Sprintf("%v", row["display_name"]),
		DBName:      fmt.Sprintf("%v", row["db_name"]),
		DBDriver:    fmt.Sprintf("%v", row["db_driver"]),
		Status:      fmt.Sprintf("%v", row["status"]),
		CreatedAt:   row["created_at"],
		UpdatedAt:   row["updated_at"],
	}
}

// LoadAll eagerly initializes all active apps from _apps at startup.
func (m *AppManager) LoadAll(ctx context.Context) error {
	rows, err := store.QueryRows(ctx, m.mgmtStore.DB,
		"SELECT name, db_name, jwt_secret FROM _apps WHERE status = 'active'",
	)
	if err != nil {
		// No rows is fine — no apps yet
		return nil
	}

	for _, row := range rows {
		name := fmt.Sprintf("%v", row["name"])
		dbName := fmt.Sprintf("%v", row["db_name"])
		jwtSecret := fmt.Sprintf("%v", row["jwt_secret"])

		appCfg := store.ConnStringForDB(m.dbConfig, dbName)
		appStore, err := store.NewWithPoolSize(ctx, appCfg, m.poolSize)
		if err != nil {
			log.Printf("WARN: Failed to connect to app %s (db: %s): %v", name, dbName, err)
			continue
		}

		// Bootstrap is idempotent
		if err := appStore.Bootstrap(ctx); err != nil {
			log.Printf("WARN: Failed to bootstrap app %s: %v", name, err)
			appStore.Close()
			continue
		}

		ac := m.buildAppContext(ctx, name, dbName, jwtSecret, appStore)

		m.mu.Lock()
		m.apps[name] = ac
		m.mu.Unlock()

		log.Printf("App loaded: %s (db: %s)", name, dbName)
	}

	return nil
}

// AllContexts returns a snapshot of all active AppContexts (for schedulers).
func (m *AppManager) AllContexts() []*AppContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*AppContext, 0, len(m.apps))
	for _, ac := range m.apps {
		result = append(result, ac)
	}
	return result
}

// Close closes all per-app connections and event buffers.
func (m *AppManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ac := range m.apps {
		if ac.EventBuffer != nil {
			ac.EventBuffer.Stop()
		}
		ac.Store.Close()
	}
	m.apps = make(map[string]*AppContext)
}

// initApp loads a single app from _apps and initializes it.
func (m *AppManager) initApp(ctx context.Context, appName string) (*AppContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if ac, ok := m.apps[appName]; ok {
		return ac, nil
	}

	var dbName, jwtSecret, status string
	err := m.mgmtStore.DB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT db_name, jwt_secret, status FROM _apps WHERE name = %s", m.mgmtStore.Dialect.Placeholder(1)),
		appName,
	).Scan(&dbName, &jwtSecret, &status)
	if err != nil {
		return nil, fmt.Errorf("app not found: %s", appName)
	}
	if status != "active" {
		return nil, fmt.Errorf("app %s is %s", appName, status)
	}

	appCfg := store.ConnStringForDB(m.dbConfig, dbName)
	appStore, err := store.NewWithPoolSize(ctx, appCfg, m.poolSize)
	if err != nil {
		return nil, fmt.Errorf("connect to app %s: %w", appName, err)
	}

	ac := m.buildAppContext(ctx, appName, dbName, jwtSecret, appStore)
	m.apps[appName] = ac

	return ac, nil
}

// buildAppContext assembles the per-app registry, event buffer and handlers.
func (m *AppManager) buildAppContext(ctx context.Context, name, dbName, jwtSecret string, appStore *store.Store) *AppContext {
	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, appStore.DB, reg); err != nil {
		log.Printf("WARN: Failed to load metadata for app %s: %v", name, err)
	}

	ac := &AppContext{
		Name:        name,
		DBName:      dbName,
		JWTSecret:   jwtSecret,
		Store:       appStore,
		Registry:    reg,
		fileStorage: m.fileStorage,
		maxFileSize: m.maxFileSize,
		aiProvider:  m.aiProvider,
	}
	if m.instrConfig.Enabled {
		ac.EventBuffer = instrument.NewEventBuffer(appStore.DB, appStore.Dialect, m.instrConfig.BufferSize, m.instrConfig.FlushIntervalMs)
	}
	ac.BuildHandlers()
	return ac
}

func generateJWTSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

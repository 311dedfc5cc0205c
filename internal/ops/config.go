package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"main/internal/schema"
	"main/pkg/conn"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Node     NodeConfig         `json:"node"`
	Peers    []PeerEntry        `json:"peers"`
	Mesh     MeshConfig         `json:"mesh"`
	Sync     SyncConfig         `json:"sync"`
	Storage  StorageConfig      `json:"storage"`
	Features FeatureFlagsConfig `json:"features"`
}

// NodeConfig identifies this node in the mesh.
type NodeConfig struct {
	ID         string `json:"id"`
	Region     string `json:"region"`
	WsURL      string `json:"wsUrl"`
	APIURL     string `json:"apiUrl"`
	ListenAddr string `json:"listenAddr"`
	Version    string `json:"version"`
}

// PeerEntry describes one configured seed peer.
type PeerEntry struct {
	ID     string `json:"id"`
	Region string `json:"region"`
	WsURL  string `json:"wsUrl"`
	APIURL string `json:"apiUrl"`
}

// MeshConfig tunes connection handling and liveness probing.
type MeshConfig struct {
	SharedKey            string `json:"sharedKey"`
	PrimaryNodeID        string `json:"primaryNodeId"`
	PingIntervalMs       int64  `json:"pingIntervalMs"`
	GossipIntervalMs     int64  `json:"gossipIntervalMs"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts"`
	BackoffMinMs         int64  `json:"backoffMinMs"`
	BackoffMaxMs         int64  `json:"backoffMaxMs"`
	DialConcurrency      int    `json:"dialConcurrency"`
}

// SyncConfig tunes the outbox and replication batching.
type SyncConfig struct {
	QueuePath            string `json:"queuePath"`
	ConflictLogPath      string `json:"conflictLogPath"`
	MaxRetryCount        int    `json:"maxRetryCount"`
	RetryBackoffMinMs    int64  `json:"retryBackoffMinMs"`
	RetryBackoffMaxMs    int64  `json:"retryBackoffMaxMs"`
	DrainIntervalMs      int64  `json:"drainIntervalMs"`
	BatchSize            int    `json:"batchSize"`
	CompressionThreshold int    `json:"compressionThreshold"`
	BulkPageSize         int    `json:"bulkPageSize"`
	CountsIntervalMs     int64  `json:"countsIntervalMs"`
}

// StorageConfig selects the entity store backend.
type StorageConfig struct {
	Backend  string         `json:"backend"`
	Postgres PostgresConfig `json:"postgres"`
}

// PostgresConfig holds connection settings for the postgres backend.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslMode"`
}

// FeatureFlagsConfig captures optional runtime flags.
type FeatureFlagsConfig struct {
	EnableStatusBroadcast *bool `json:"enableStatusBroadcast"`
	EnablePreferencesSync *bool `json:"enablePreferencesSync"`
}

// FeatureFlags are resolved runtime flags.
type FeatureFlags struct {
	EnableStatusBroadcast bool
	EnablePreferencesSync bool
}

// StorageBackend selects the materialization target.
type StorageBackend string

const (
	StorageMemory   StorageBackend = "memory"
	StoragePostgres StorageBackend = "postgres"
)

// MeshSpec is the resolved mesh tuning.
type MeshSpec struct {
	SharedKey            string
	PrimaryNodeID        string
	PingInterval         time.Duration
	GossipInterval       time.Duration
	MaxReconnectAttempts int
	BackoffMin           time.Duration
	BackoffMax           time.Duration
	DialConcurrency      int
}

// SyncSpec is the resolved outbox and replication tuning.
type SyncSpec struct {
	QueuePath            string
	ConflictLogPath      string
	MaxRetryCount        int
	RetryBackoffMin      time.Duration
	RetryBackoffMax      time.Duration
	DrainInterval        time.Duration
	BatchSize            int
	CompressionThreshold int
	BulkPageSize         int
	CountsInterval       time.Duration
}

// StorageSpec is the resolved storage selection.
type StorageSpec struct {
	Backend  StorageBackend
	Postgres conn.Option
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Node     NodeConfig
	Peers    []schema.PeerConfig
	Mesh     MeshSpec
	Sync     SyncSpec
	Storage  StorageSpec
	Features FeatureFlags
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	return Resolve(cfg)
}

// Resolve validates a parsed config and applies defaults.
func Resolve(cfg FileConfig) (Loaded, error) {
	if err := validateNode(cfg.Node); err != nil {
		return Loaded{}, err
	}
	peers, err := resolvePeers(cfg.Node.ID, cfg.Peers)
	if err != nil {
		return Loaded{}, err
	}
	mesh, err := resolveMesh(cfg.Mesh)
	if err != nil {
		return Loaded{}, err
	}
	sync := resolveSync(cfg.Sync)
	storage, err := resolveStorage(cfg.Storage)
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{
		Node:     resolveNode(cfg.Node),
		Peers:    peers,
		Mesh:     mesh,
		Sync:     sync,
		Storage:  storage,
		Features: resolveFeatures(cfg.Features),
	}, nil
}

func validateNode(cfg NodeConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("node id is empty")
	}
	if cfg.Region == "" {
		return fmt.Errorf("node region is empty")
	}
	return nil
}

func resolveNode(cfg NodeConfig) NodeConfig {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8787"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return cfg
}

func resolvePeers(selfID string, entries []PeerEntry) ([]schema.PeerConfig, error) {
	seen := make(map[string]struct{}, len(entries))
	peers := make([]schema.PeerConfig, 0, len(entries))
	for _, entry := range entries {
		if entry.ID == "" {
			return nil, fmt.Errorf("peer id is empty")
		}
		if entry.ID == selfID {
			continue
		}
		if _, dup := seen[entry.ID]; dup {
			return nil, fmt.Errorf("duplicate peer id: %s", entry.ID)
		}
		if entry.WsURL == "" {
			return nil, fmt.Errorf("peer %s has no websocket url", entry.ID)
		}
		seen[entry.ID] = struct{}{}
		peers = append(peers, schema.PeerConfig{
			ID:     entry.ID,
			Region: entry.Region,
			WsURL:  entry.WsURL,
			APIURL: entry.APIURL,
		})
	}
	return peers, nil
}

func resolveMesh(cfg MeshConfig) (MeshSpec, error) {
	if cfg.SharedKey == "" {
		return MeshSpec{}, fmt.Errorf("mesh sharedKey is empty")
	}
	spec := MeshSpec{
		SharedKey:            cfg.SharedKey,
		PrimaryNodeID:        cfg.PrimaryNodeID,
		PingInterval:         durationMs(cfg.PingIntervalMs, 5*time.Second),
		GossipInterval:       durationMs(cfg.GossipIntervalMs, 30*time.Second),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		BackoffMin:           durationMs(cfg.BackoffMinMs, time.Second),
		BackoffMax:           durationMs(cfg.BackoffMaxMs, 2*time.Minute),
		DialConcurrency:      cfg.DialConcurrency,
	}
	if spec.MaxReconnectAttempts <= 0 {
		spec.MaxReconnectAttempts = 10
	}
	if spec.DialConcurrency <= 0 {
		spec.DialConcurrency = 4
	}
	if spec.BackoffMin > spec.BackoffMax {
		return MeshSpec{}, fmt.Errorf("mesh backoffMinMs exceeds backoffMaxMs")
	}
	return spec, nil
}

func resolveSync(cfg SyncConfig) SyncSpec {
	spec := SyncSpec{
		QueuePath:            cfg.QueuePath,
		ConflictLogPath:      cfg.ConflictLogPath,
		MaxRetryCount:        cfg.MaxRetryCount,
		RetryBackoffMin:      durationMs(cfg.RetryBackoffMinMs, 2*time.Second),
		RetryBackoffMax:      durationMs(cfg.RetryBackoffMaxMs, 5*time.Minute),
		DrainInterval:        durationMs(cfg.DrainIntervalMs, time.Second),
		BatchSize:            cfg.BatchSize,
		CompressionThreshold: cfg.CompressionThreshold,
		BulkPageSize:         cfg.BulkPageSize,
		CountsInterval:       durationMs(cfg.CountsIntervalMs, time.Minute),
	}
	if spec.QueuePath == "" {
		spec.QueuePath = "mesh-outbox.db"
	}
	if spec.ConflictLogPath == "" {
		spec.ConflictLogPath = "mesh-conflicts.db"
	}
	if spec.MaxRetryCount <= 0 {
		spec.MaxRetryCount = 5
	}
	if spec.BatchSize <= 0 {
		spec.BatchSize = 50
	}
	if spec.CompressionThreshold <= 0 {
		spec.CompressionThreshold = 1024
	}
	if spec.BulkPageSize <= 0 {
		spec.BulkPageSize = 100
	}
	return spec
}

func resolveStorage(cfg StorageConfig) (StorageSpec, error) {
	backend := StorageBackend(cfg.Backend)
	if backend == "" {
		backend = StorageMemory
	}
	switch backend {
	case StorageMemory:
		return StorageSpec{Backend: StorageMemory}, nil
	case StoragePostgres:
		if cfg.Postgres.Database == "" {
			return StorageSpec{}, fmt.Errorf("postgres database is empty")
		}
		return StorageSpec{
			Backend: StoragePostgres,
			Postgres: conn.Option{
				Host:     cfg.Postgres.Host,
				Port:     cfg.Postgres.Port,
				User:     cfg.Postgres.User,
				Password: cfg.Postgres.Password,
				Database: cfg.Postgres.Database,
				SSLMode:  cfg.Postgres.SSLMode,
			},
		}, nil
	default:
		return StorageSpec{}, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func resolveFeatures(cfg FeatureFlagsConfig) FeatureFlags {
	flags := FeatureFlags{
		EnableStatusBroadcast: true,
		EnablePreferencesSync: true,
	}
	if cfg.EnableStatusBroadcast != nil {
		flags.EnableStatusBroadcast = *cfg.EnableStatusBroadcast
	}
	if cfg.EnablePreferencesSync != nil {
		flags.EnablePreferencesSync = *cfg.EnablePreferencesSync
	}
	return flags
}

func durationMs(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

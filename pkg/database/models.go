package database

import "time"

// Access is a cache's visibility: public caches publish owner mappings to
// the DHT, private caches require bearer authorization (spec.md §3, §4.3).
type Access string

const (
	AccessPublic  Access = "public"
	AccessPrivate Access = "private"
)

// Cache is the persisted cache descriptor (spec.md §3 "Cache descriptor").
type Cache struct {
	ID            string
	Name          string
	URL           string
	Token         string
	Access        Access
	Port          int
	RetentionDays int
	Strategy      string
	StrategyState string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Backend is a persisted storage back-end descriptor (spec.md §3).
type Backend struct {
	ID      string
	CacheID string
	Name    string
	Type    string
	Root    string
	Config  map[string]string
}

// StorePath is a persisted store-path record (spec.md §3).
type StorePath struct {
	ID         string
	CacheID    string
	BackendID  string
	StoreHash  string
	StoreSuffix string
	FileHash   string
	Codec      string
	FileSize   uint64
	NarHash    string
	NarSize    uint64
	Deriver    string
	References []string
	CreatedAt  time.Time
}

// Workspace is a deployment workspace record (SPEC_FULL.md "Supplemented
// features" — table and CRUD only, no orchestration behavior).
type Workspace struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Agent is a deployment agent record (SPEC_FULL.md "Supplemented
// features" — table and CRUD only).
type Agent struct {
	ID          string
	WorkspaceID string
	Name        string
	Host        string
	CreatedAt   time.Time
}

package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wegman-software/osm2apidb-go/internal/idmap"
)

// ErrInvalid is wrapped by every Validate failure
var ErrInvalid = errors.New("invalid configuration")

// Mode selects how target IDs are obtained for a session
type Mode string

const (
	// ModeOffline assumes exclusive access: IDs continue after the current maximum
	ModeOffline Mode = "offline"
	// ModeOnline reserves ID ranges up front so concurrent writers never collide
	ModeOnline Mode = "online"
)

// ParseMode parses a mode name, case-insensitively
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOffline, ModeOnline:
		return m, nil
	case "":
		return "", fmt.Errorf("%w: mode is required", ErrInvalid)
	default:
		return "", fmt.Errorf("%w: unknown mode %q (want offline or online)", ErrInvalid, s)
	}
}

// Config holds the global configuration of a write session
type Config struct {
	// Input settings
	InputFile string `yaml:"-"`

	// Target is a postgres:// URL, a path to a .sql script or "memory:".
	// When empty the DB* settings are used.
	Target     string `yaml:"target"`
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBSchema   string `yaml:"db_schema"`

	// Session settings
	Mode                   Mode   `yaml:"mode"`
	MaxChangesPerChangeset int    `yaml:"max_changes_per_changeset"`
	MaxElements            int64  `yaml:"max_elements"` // 0 = unlimited
	StagingDir             string `yaml:"staging_dir"`
	RetainStagingOnFailure bool   `yaml:"retain_staging_on_failure"`
	WriteHistory           bool   `yaml:"write_history"`
	ChangesetUserID        int64  `yaml:"changeset_user_id"`

	// AddUserEmail stages a users row for ChangesetUserID, for databases
	// where that user does not exist yet
	AddUserEmail string `yaml:"add_user_email"`

	// First IDs to hand out when the target has no higher ones
	StartingNodeID     int64 `yaml:"starting_node_id"`
	StartingWayID      int64 `yaml:"starting_way_id"`
	StartingRelationID int64 `yaml:"starting_relation_id"`

	// Only used by script targets, a database hands out changeset IDs itself
	StartingChangesetID int64 `yaml:"starting_changeset_id"`

	IDMapBackend   idmap.Backend `yaml:"id_map_backend"`
	PendingBackend idmap.Backend `yaml:"pending_backend"` // memory or leveldb

	// Processing settings
	Workers int `yaml:"workers"`

	// Logging and metrics
	Verbose         bool          `yaml:"verbose"`
	LogFile         string        `yaml:"log_file"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DBHost:                 "localhost",
		DBPort:                 5432,
		DBName:                 "openstreetmap",
		DBUser:                 "postgres",
		DBSchema:               "public",
		Mode:                   ModeOffline,
		MaxChangesPerChangeset: 50000,
		StagingDir:             os.TempDir(),
		WriteHistory:           true,
		ChangesetUserID:        1,
		StartingNodeID:         1,
		StartingWayID:          1,
		StartingRelationID:     1,
		StartingChangesetID:    1,
		IDMapBackend:           idmap.BackendMmap,
		PendingBackend:         idmap.BackendMemory,
		Workers:                runtime.NumCPU(),
		MetricsInterval:        30 * time.Second,
	}
}

// LoadFile reads a YAML configuration file on top of the defaults
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadInto(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadInto overlays the settings of a YAML file onto c. Keys missing from
// the file keep their current value.
func (c *Config) LoadInto(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.Target != "" {
		return c.Target
	}
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// StartingID returns the configured first ID of an element kind
func (c *Config) StartingID(kind string) int64 {
	switch kind {
	case "node":
		return c.StartingNodeID
	case "way":
		return c.StartingWayID
	case "relation":
		return c.StartingRelationID
	case "changeset":
		return c.StartingChangesetID
	}
	return 1
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.MaxChangesPerChangeset < 1 {
		return fmt.Errorf("%w: max changes per changeset must be at least 1", ErrInvalid)
	}
	if c.MaxElements < 0 {
		return fmt.Errorf("%w: max elements cannot be negative", ErrInvalid)
	}
	if c.StagingDir == "" {
		return fmt.Errorf("%w: staging directory is required", ErrInvalid)
	}
	if c.ChangesetUserID < 1 {
		return fmt.Errorf("%w: changeset user id must be positive", ErrInvalid)
	}
	for _, name := range []string{"node", "way", "relation", "changeset"} {
		id := c.StartingID(name)
		if id < 1 {
			return fmt.Errorf("%w: starting %s id must be positive", ErrInvalid, name)
		}
	}
	if !c.IDMapBackend.Valid() {
		return fmt.Errorf("%w: unknown id map backend %q", ErrInvalid, c.IDMapBackend)
	}
	if c.PendingBackend != idmap.BackendMemory && c.PendingBackend != idmap.BackendLevelDB {
		return fmt.Errorf("%w: pending backend must be memory or leveldb, got %q", ErrInvalid, c.PendingBackend)
	}
	if c.AddUserEmail != "" && !strings.Contains(c.AddUserEmail, "@") {
		return fmt.Errorf("%w: invalid user email %q", ErrInvalid, c.AddUserEmail)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalid)
	}
	return nil
}

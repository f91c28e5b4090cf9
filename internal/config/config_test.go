package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wegman-software/osm2apidb-go/internal/idmap"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing mode", func(c *Config) { c.Mode = "" }},
		{"unknown mode", func(c *Config) { c.Mode = "sometimes" }},
		{"zero changeset size", func(c *Config) { c.MaxChangesPerChangeset = 0 }},
		{"negative element limit", func(c *Config) { c.MaxElements = -1 }},
		{"no staging dir", func(c *Config) { c.StagingDir = "" }},
		{"bad user", func(c *Config) { c.ChangesetUserID = 0 }},
		{"bad starting way id", func(c *Config) { c.StartingWayID = 0 }},
		{"bad id map backend", func(c *Config) { c.IDMapBackend = "redis" }},
		{"mmap pending backend", func(c *Config) { c.PendingBackend = idmap.BackendMmap }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"bad starting changeset id", func(c *Config) { c.StartingChangesetID = -3 }},
		{"user email without domain", func(c *Config) { c.AddUserEmail = "importer" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"offline", ModeOffline, false},
		{" Online ", ModeOnline, false},
		{"", "", true},
		{"exclusive", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "osm2apidb.yaml")
	yaml := `
target: postgres://osm@db/openstreetmap
mode: online
max_changes_per_changeset: 1000
write_history: false
starting_node_id: 5000
starting_changeset_id: 900
add_user_email: import@example.com
id_map_backend: leveldb
metrics_interval: 10s
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Mode != ModeOnline || cfg.MaxChangesPerChangeset != 1000 || cfg.WriteHistory {
		t.Errorf("session settings not loaded: %+v", cfg)
	}
	if cfg.StartingID("node") != 5000 || cfg.StartingID("way") != 1 {
		t.Errorf("starting ids = %d, %d", cfg.StartingID("node"), cfg.StartingID("way"))
	}
	if cfg.StartingID("changeset") != 900 || cfg.AddUserEmail != "import@example.com" {
		t.Errorf("changeset settings = %d, %q", cfg.StartingID("changeset"), cfg.AddUserEmail)
	}
	if cfg.IDMapBackend != idmap.BackendLevelDB {
		t.Errorf("id map backend = %q", cfg.IDMapBackend)
	}
	if cfg.MetricsInterval != 10*time.Second {
		t.Errorf("metrics interval = %v", cfg.MetricsInterval)
	}
	if cfg.ConnectionString() != "postgres://osm@db/openstreetmap" {
		t.Errorf("connection string = %q", cfg.ConnectionString())
	}
	// untouched keys keep their defaults
	if cfg.DBSchema != "public" || cfg.PendingBackend != idmap.BackendMemory {
		t.Errorf("defaults lost: schema=%q pending=%q", cfg.DBSchema, cfg.PendingBackend)
	}
}

func TestConnectionStringFromParts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPassword = "secret"
	want := "host=localhost port=5432 dbname=openstreetmap user=postgres sslmode=disable password=secret"
	if got := cfg.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}

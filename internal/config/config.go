// Package config reads the broker's YAML bootstrap configuration,
// generalized from the teacher's inline Config/Server structs in
// cmd/goqtt/main.go (SPEC_FULL.md "AMBIENT STACK"). Still plain
// gopkg.in/yaml.v3 read with os.ReadFile at startup; expanded with a
// section per store's backend choice, the ACL cache refresh interval,
// disconnect_on_unauthorized, and the archive-group bootstrap list.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/monstermq/core/internal/duration"
	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/pkg/er"
)

type Config struct {
	Name    string        `yaml:"name"`
	Version string        `yaml:"version"`
	Server  Server        `yaml:"server"`
	Store   Store         `yaml:"store"`
	ACL     ACL           `yaml:"acl"`
	Log     Log           `yaml:"log"`
	Archive []ArchiveSpec `yaml:"archive_groups"`
}

type Server struct {
	Port string `yaml:"port"`
}

// Store picks the relational/document backend locations shared by every
// §4 store, the node ID, and the backends of the top-level metrics and
// archive-group-config stores (spec §6.2).
type Store struct {
	SQLitePath string `yaml:"sqlite_path"`
	BadgerDir  string `yaml:"badger_dir"`
	NodeID     string `yaml:"node_id"`

	// MetricsBackend and ArchiveGroupBackend select sqlstore ("relational",
	// the default) or docstore ("document") for the top-level metrics and
	// archive-group-config stores, the same relational/document choice
	// ArchiveSpec.LastValType makes per archive group (spec §4.H, §4.I, §6.2).
	MetricsBackend      string `yaml:"metrics_backend"`
	ArchiveGroupBackend string `yaml:"archive_group_backend"`
}

// MetricsBackendType parses Store.MetricsBackend, defaulting to relational.
func (s Store) MetricsBackendType() model.BackendType {
	return parseBackendDefaultRelational(s.MetricsBackend)
}

// ArchiveGroupBackendType parses Store.ArchiveGroupBackend, defaulting to
// relational.
func (s Store) ArchiveGroupBackendType() model.BackendType {
	return parseBackendDefaultRelational(s.ArchiveGroupBackend)
}

func parseBackendDefaultRelational(s string) model.BackendType {
	if s == "" {
		return model.BackendRelational
	}
	return parseBackend(s)
}

// ACL carries §4.G's policy knobs.
type ACL struct {
	RefreshIntervalSeconds   int  `yaml:"refresh_interval_seconds"`
	DisconnectOnUnauthorized bool `yaml:"disconnect_on_unauthorized"`
}

func (a ACL) RefreshInterval() time.Duration {
	if a.RefreshIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.RefreshIntervalSeconds) * time.Second
}

type Log struct {
	Production bool `yaml:"production"`
}

// ArchiveSpec is the YAML shape of one bootstrap ArchiveGroup row (spec
// §3 "ArchiveGroup"); durations are the human grammar internal/duration parses.
type ArchiveSpec struct {
	Name             string   `yaml:"name"`
	TopicFilters     []string `yaml:"topic_filters"`
	RetainedOnly     bool     `yaml:"retained_only"`
	LastValType      string   `yaml:"last_val_type"` // "relational" | "document" | "none"
	ArchiveType      string   `yaml:"archive_type"`
	PayloadFormat    string   `yaml:"payload_format"` // "default" | "json"
	LastValRetention string   `yaml:"last_val_retention,omitempty"`
	ArchiveRetention string   `yaml:"archive_retention,omitempty"`
	PurgeInterval    string   `yaml:"purge_interval,omitempty"`
}

// ToModel converts the YAML spec to model.ArchiveGroup, parsing its
// duration strings through the standard grammar (spec §4.H).
func (a ArchiveSpec) ToModel() (model.ArchiveGroup, error) {
	now := time.Now()
	g := model.ArchiveGroup{
		Name:          a.Name,
		Enabled:       true,
		TopicFilters:  a.TopicFilters,
		RetainedOnly:  a.RetainedOnly,
		LastValType:   parseBackend(a.LastValType),
		ArchiveType:   parseBackend(a.ArchiveType),
		PayloadFormat: parseFormat(a.PayloadFormat),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var err error
	if g.LastValRetention, err = parseOptionalDuration(a.LastValRetention); err != nil {
		return g, err
	}
	if g.ArchiveRetention, err = parseOptionalDuration(a.ArchiveRetention); err != nil {
		return g, err
	}
	if g.PurgeInterval, err = parseOptionalDuration(a.PurgeInterval); err != nil {
		return g, err
	}
	return g, nil
}

func parseOptionalDuration(s string) (*time.Duration, error) {
	if s == "" {
		return nil, nil
	}
	d, err := duration.Parse(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func parseBackend(s string) model.BackendType {
	switch s {
	case "relational":
		return model.BackendRelational
	case "document":
		return model.BackendDocument
	default:
		return model.BackendNone
	}
}

func parseFormat(s string) model.PayloadFormat {
	if s == "json" {
		return model.PayloadJSON
	}
	return model.PayloadDefault
}

// Load reads and parses path (e.g. "config.yml"), applying the same
// defaults the teacher's main.go relied on implicitly.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, er.New("config.Load", er.KindInvalidInput, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, er.New("config.Load", er.KindInvalidInput, err)
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "./store/store.db"
	}
	if cfg.Store.BadgerDir == "" {
		cfg.Store.BadgerDir = "./store/docstore"
	}
	if cfg.Store.NodeID == "" {
		cfg.Store.NodeID = "node-1"
	}
	return &cfg, nil
}

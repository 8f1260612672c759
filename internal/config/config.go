// Package config loads the server configuration: the local member's
// identity, its storage backend and the cohorts it joins.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/systemshift/omrs/internal/server/cohort"
	"github.com/systemshift/omrs/pkg/omrs"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNeo4j  = "neo4j"
)

// Config holds the server configuration
type Config struct {
	Member     Member                `yaml:"member"`
	Listen     string                `yaml:"listen"`
	LogLevel   string                `yaml:"logLevel"`
	Storage    Storage               `yaml:"storage"`
	Repository Repository            `yaml:"repository"`
	Cohorts    []cohort.CohortConfig `yaml:"cohorts,omitempty"`
	// AutoConnect joins every configured cohort at startup.
	AutoConnect bool `yaml:"autoConnect"`
}

// Member identifies the local repository to its peers.
type Member struct {
	MetadataCollectionID   string `yaml:"metadataCollectionId"`
	MetadataCollectionName string `yaml:"metadataCollectionName,omitempty"`
	ServerName             string `yaml:"serverName"`
	ServerType             string `yaml:"serverType,omitempty"`
	OrganizationName       string `yaml:"organizationName,omitempty"`
	// URL is where peers reach this server's HTTP binding.
	URL string `yaml:"url,omitempty"`
}

// Registration is the cohort registration the member announces.
func (m Member) Registration() omrs.MemberRegistration {
	return omrs.MemberRegistration{
		MetadataCollectionID:   m.MetadataCollectionID,
		MetadataCollectionName: m.MetadataCollectionName,
		ServerName:             m.ServerName,
		ServerType:             m.ServerType,
		OrganizationName:       m.OrganizationName,
		RepositoryConnection: omrs.ConnectionDescriptor{
			URL:      m.URL,
			Protocol: "omrs-http",
		},
	}
}

// Storage selects where instances live. Path is the SQLite file that
// also holds types, subscriptions and cohort registrations; the memory
// and neo4j backends use it for those alone.
type Storage struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"`
	Neo4j   Neo4j  `yaml:"neo4j,omitempty"`
}

type Neo4j struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database,omitempty"`
}

// Repository holds the capability flags of the local repository.
type Repository struct {
	// Categories limits the type categories stored. Empty allows all.
	Categories             []omrs.TypeDefCategory `yaml:"categories,omitempty"`
	ExtraStatuses          []omrs.InstanceStatus  `yaml:"extraStatuses,omitempty"`
	DisableReferenceCopies bool                   `yaml:"disableReferenceCopies"`
	RefreshTimeout         time.Duration          `yaml:"refreshTimeout,omitempty"`
	// TypeArchives are YAML archives loaded after the base archive.
	TypeArchives []string `yaml:"typeArchives,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Member: Member{
			ServerName: "omrs-server",
		},
		Listen:   ":8080",
		LogLevel: "info",
		Storage: Storage{
			Backend: BackendMemory,
		},
	}
}

// DefaultPath returns the path of the configuration file.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "omrs", "server.yaml"), nil
}

// Load reads the configuration at path over the defaults, then applies
// OMRS_* environment variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decoding config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// Save writes the configuration to path.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

// ApplyEnv overlays values from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("OMRS_METADATA_COLLECTION_ID", &c.Member.MetadataCollectionID)
	set("OMRS_METADATA_COLLECTION_NAME", &c.Member.MetadataCollectionName)
	set("OMRS_SERVER_NAME", &c.Member.ServerName)
	set("OMRS_SERVER_URL", &c.Member.URL)
	set("OMRS_LISTEN", &c.Listen)
	set("OMRS_LOG_LEVEL", &c.LogLevel)
	set("OMRS_STORAGE_BACKEND", &c.Storage.Backend)
	set("OMRS_STORAGE_PATH", &c.Storage.Path)
	set("OMRS_NEO4J_URI", &c.Storage.Neo4j.URI)
	set("OMRS_NEO4J_USER", &c.Storage.Neo4j.Username)
	set("OMRS_NEO4J_PASSWORD", &c.Storage.Neo4j.Password)

	// Brokers given in the environment serve every Kafka cohort that
	// names none.
	if v, ok := lookup("OMRS_KAFKA_BROKERS"); ok && v != "" {
		brokers := strings.Split(v, ",")
		for i := range c.Cohorts {
			if c.Cohorts[i].Transport == cohort.TransportKafka && len(c.Cohorts[i].Brokers) == 0 {
				c.Cohorts[i].Brokers = brokers
			}
		}
	}
}

// EnsureIdentity gives the member a metadata collection id if it has
// none, and reports whether it did.
func (c *Config) EnsureIdentity() bool {
	if c.Member.MetadataCollectionID != "" {
		return false
	}
	c.Member.MetadataCollectionID = uuid.New().String()
	if c.Member.MetadataCollectionName == "" {
		c.Member.MetadataCollectionName = c.Member.ServerName + " repository"
	}
	return true
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var result *multierror.Error

	if err := validation.ValidateStruct(c,
		validation.Field(&c.Listen, validation.Required),
		validation.Field(&c.LogLevel, validation.By(checkLevel)),
	); err != nil {
		result = multierror.Append(result, err)
	}
	if err := validation.ValidateStruct(&c.Member,
		validation.Field(&c.Member.MetadataCollectionID, validation.Required),
		validation.Field(&c.Member.ServerName, validation.Required),
	); err != nil {
		result = multierror.Append(result, fmt.Errorf("member: %w", err))
	}
	if err := c.Storage.validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("storage: %w", err))
	}

	seen := make(map[string]bool)
	for i, cc := range c.Cohorts {
		if err := cc.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("cohorts[%d]: %w", i, err))
		}
		if seen[cc.Name] {
			result = multierror.Append(result, fmt.Errorf("cohorts[%d]: cohort %q is configured twice", i, cc.Name))
		}
		seen[cc.Name] = true
	}

	return result.ErrorOrNil()
}

func (s *Storage) validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Backend, validation.Required, validation.In(BackendMemory, BackendSQLite, BackendNeo4j)),
		validation.Field(&s.Path, validation.When(s.Backend == BackendSQLite, validation.Required)),
		validation.Field(&s.Neo4j, validation.When(s.Backend == BackendNeo4j, validation.By(func(any) error {
			return validation.ValidateStruct(&s.Neo4j,
				validation.Field(&s.Neo4j.URI, validation.Required),
				validation.Field(&s.Neo4j.Username, validation.Required),
			)
		}))),
	)
}

func checkLevel(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if hclog.LevelFromString(s) == hclog.NoLevel {
		return fmt.Errorf("unknown log level %q", s)
	}
	return nil
}

// DatabasePath is the SQLite file for the relational stores.
func (c *Config) DatabasePath() string {
	if c.Storage.Path == "" {
		return ":memory:"
	}
	return c.Storage.Path
}

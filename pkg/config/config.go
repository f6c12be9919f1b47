package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes environment overrides. Nested keys use a double
// underscore: CATALOG_SERVER__PORT=9090.
const EnvPrefix = "CATALOG_"

type DBConfig struct {
	Name         string `koanf:"name" yaml:"name" json:"name"` // catalog name; defaults to the file stem for sqlite and duckdb
	Type         string `koanf:"type" yaml:"type" json:"type"`
	Host         string `koanf:"host" yaml:"host" json:"host"`
	Port         int    `koanf:"port" yaml:"port" json:"port"`
	Username     string `koanf:"username" yaml:"username" json:"username"`
	Password     string `koanf:"password" yaml:"password" json:"password"`
	DatabaseName string `koanf:"database_name" yaml:"database_name" json:"database_name"`
	DSN          string `koanf:"dsn" yaml:"dsn" json:"dsn"` // optional explicit DSN
}

type ServerConfig struct {
	Port int `koanf:"port" yaml:"port" json:"port"`
}

type CatalogConfig struct {
	FKResolution      string `koanf:"fk_resolution" yaml:"fk_resolution" json:"fk_resolution"`
	IntrospectTimeout int    `koanf:"introspect_timeout" yaml:"introspect_timeout" json:"introspect_timeout"` // seconds
}

type AppConfig struct {
	Databases []DBConfig    `koanf:"databases" yaml:"databases" json:"databases"`
	Catalog   CatalogConfig `koanf:"catalog" yaml:"catalog" json:"catalog"`
	Server    ServerConfig  `koanf:"server" yaml:"server" json:"server"`
	LogLevel  string        `koanf:"log_level" yaml:"log_level" json:"log_level"`
}

// defaults are loaded before anything else.
var defaults = map[string]interface{}{
	"server.port":                8080,
	"catalog.fk_resolution":      "same-database",
	"catalog.introspect_timeout": 30,
	"log_level":                  "info",
}

// flagKeys maps CLI flag names onto config keys.
var flagKeys = map[string]string{
	"port":               "server.port",
	"fk-resolution":      "catalog.fk_resolution",
	"introspect-timeout": "catalog.introspect_timeout",
	"log-level":          "log_level",
}

// LoadFile loads YAML config from path on top of the defaults and
// environment overrides.
func LoadFile(path string) (AppConfig, error) {
	return Load(path, nil)
}

// Load builds the configuration. Precedence (highest to lowest):
// flags > env vars > config file > defaults. An empty path skips the file.
func Load(path string, flags *pflag.FlagSet) (AppConfig, error) {
	var cfg AppConfig
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return cfg, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return cfg, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return cfg, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// normalize fills in database names and rejects duplicates.
func (c *AppConfig) normalize() error {
	seen := map[string]bool{}
	for i := range c.Databases {
		d := &c.Databases[i]
		if d.Name == "" {
			d.Name = DefaultName(*d)
		}
		if d.Name == "" {
			return fmt.Errorf("database %d: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("database %q configured twice", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// DefaultName derives a catalog name from a file-backed database path:
// "data/fixtures.db" becomes "fixtures". Server databases use DatabaseName.
func DefaultName(db DBConfig) string {
	switch NormalizeDriver(db.Type) {
	case "sqlite", "duckdb":
		base := filepath.Base(db.DatabaseName)
		if db.DatabaseName == "" || base == "." {
			return ""
		}
		return strings.TrimSuffix(base, filepath.Ext(base))
	default:
		return db.DatabaseName
	}
}

// NormalizeDriver maps common aliases to canonical keys (keeps backwards compat).
func NormalizeDriver(d string) string {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "postgresql", "pg", "postgres":
		return "postgres"
	case "mysql", "mariadb":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	case "mssql", "sqlserver":
		return "sqlserver"
	case "godror", "oracle":
		return "godror"
	case "duckdb", "duck":
		return "duckdb"
	default:
		return strings.ToLower(d)
	}
}

// BuildDriverAndDSN produces a driver name and DSN string for supported DB types.
func BuildDriverAndDSN(db DBConfig) (driver string, dsn string, err error) {
	// If explicit DSN provided, user must also set Type to choose driver or we guess
	t := NormalizeDriver(db.Type)

	if db.DSN != "" {
		return t, db.DSN, nil
	}

	switch t {
	case "postgres":
		driver = "postgres"
		// simple URL form
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			db.Username, db.Password, db.Host, db.Port, db.DatabaseName)
	case "mysql":
		driver = "mysql"
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			db.Username, db.Password, db.Host, db.Port, db.DatabaseName)
	case "sqlite":
		driver = "sqlite"
		if db.DatabaseName == "" {
			return "", "", fmt.Errorf("sqlite needs a file path in database_name")
		}
		dsn = fmt.Sprintf("file:%s?mode=ro", db.DatabaseName)
	case "sqlserver":
		driver = "sqlserver"
		dsn = fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
			db.Username, db.Password, db.Host, db.Port, db.DatabaseName)
	case "godror":
		driver = "godror"
		// simple EZCONNECT style; may need adjustments per environment
		dsn = fmt.Sprintf("%s/%s@%s:%d/%s",
			db.Username, db.Password, db.Host, db.Port, db.DatabaseName)
	case "duckdb":
		driver = "duckdb"
		if db.DatabaseName == "" {
			return "", "", fmt.Errorf("duckdb needs a file path in database_name")
		}
		dsn = db.DatabaseName + "?access_mode=read_only"
	default:
		err = fmt.Errorf("unsupported database type: %s", db.Type)
	}
	return
}

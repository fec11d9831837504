// Package config loads genhub's YAML configuration. String paths support
// $VAR, ~ and * substitution, a .env file next to the configuration is
// loaded into the environment first, and GENHUB_* variables override the
// file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"genhub/internal/logging"
	"genhub/internal/sources/github"
	"genhub/internal/sources/gitrepo"
	"genhub/internal/sources/s3mirror"
)

const (
	EnvRoot       = "GENHUB_ROOT"
	EnvCatalogURL = "GENHUB_CATALOG_URL"
	EnvListen     = "GENHUB_LISTEN"
	EnvS3Bucket   = "GENHUB_S3_BUCKET"
	EnvGitHubAPI  = "GENHUB_GITHUB_API"
	EnvRateLimit  = "GENHUB_RATE_LIMIT"

	DefaultListen = ":8420"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Sources SourcesConfig `yaml:"sources"`
	Catalog CatalogConfig `yaml:"catalog"`
	Acquire AcquireConfig `yaml:"acquire"`
}

type StorageConfig struct {
	Root                string `yaml:"root"`
	MaxConcurrentWrites int    `yaml:"maxConcurrentWrites,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type FetchConfig struct {
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	FailureThreshold  uint32        `yaml:"failureThreshold"`
	OpenTimeout       time.Duration `yaml:"openTimeout"`
	Timeout           time.Duration `yaml:"timeout"`
	UserAgent         string        `yaml:"userAgent,omitempty"`
}

// SourcesConfig enables a source by giving its section.
type SourcesConfig struct {
	Local   *LocalSource   `yaml:"local,omitempty"`
	GitHub  *GitHubSource  `yaml:"github,omitempty"`
	Catalog *CatalogSource `yaml:"catalog,omitempty"`
	Git     *GitSource     `yaml:"git,omitempty"`
	S3      *S3Source      `yaml:"s3,omitempty"`
}

type LocalSource struct {
	Dir string `yaml:"dir"`
}

type GitHubSource struct {
	BaseURL      string              `yaml:"baseURL,omitempty"`
	Repositories []github.Repository `yaml:"repositories"`
}

type CatalogSource struct {
	URL string `yaml:"url"`
	// Summaries asks the catalog for summaries and resolves each hit
	// separately.
	Summaries bool `yaml:"summaries,omitempty"`
}

type GitSource struct {
	Repositories []gitrepo.Repository `yaml:"repositories"`
}

type S3Source struct {
	s3mirror.ClientConfig `yaml:",inline"`
	Bucket                string `yaml:"bucket"`
	Prefix                string `yaml:"prefix,omitempty"`
	PageSize              int32  `yaml:"pageSize,omitempty"`
}

func (s *S3Source) Layout() s3mirror.Layout {
	return s3mirror.Layout{Bucket: s.Bucket, Prefix: s.Prefix}
}

type CatalogConfig struct {
	Listen string `yaml:"listen"`
}

type AcquireConfig struct {
	// ResolveDependencies fails an acquisition whose required
	// dependencies are not in the pool.
	ResolveDependencies bool `yaml:"resolveDependencies"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	root := ".genhub"
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".genhub")
	}
	return &Config{
		Storage: StorageConfig{Root: root},
		Log:     LogConfig{Level: logging.Level()},
		Fetch: FetchConfig{
			RequestsPerSecond: 5,
			Burst:             10,
			FailureThreshold:  5,
			OpenTimeout:       30 * time.Second,
			Timeout:           5 * time.Minute,
		},
		Catalog: CatalogConfig{Listen: DefaultListen},
	}
}

// Load reads the YAML file at path over Default. An empty path loads only
// the defaults, the .env file of the working directory and the
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	baseDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for config file '%s': %w", path, err)
		}
		baseDir = filepath.Dir(absPath)
		loadDotEnv(filepath.Join(baseDir, ".env"))

		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to process config file '%s': %w", path, err)
		}
	}
	loadDotEnv(".env")

	cfg.applyEnv()
	cfg.substitute(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv never overrides variables that are already set.
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err == nil {
		_ = godotenv.Load(path)
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRoot); v != "" {
		c.Storage.Root = v
	}
	if v := strings.TrimSpace(os.Getenv(logging.EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Catalog.Listen = v
	}
	if v := os.Getenv(EnvRateLimit); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.Fetch.RequestsPerSecond = rps
		}
	}
	if v := os.Getenv(EnvCatalogURL); v != "" {
		if c.Sources.Catalog == nil {
			c.Sources.Catalog = &CatalogSource{}
		}
		c.Sources.Catalog.URL = v
	}
	if v := os.Getenv(EnvS3Bucket); v != "" {
		if c.Sources.S3 == nil {
			c.Sources.S3 = &S3Source{}
		}
		c.Sources.S3.Bucket = v
	}
	if v := os.Getenv(EnvGitHubAPI); v != "" && c.Sources.GitHub != nil {
		c.Sources.GitHub.BaseURL = v
	}
}

func (c *Config) substitute(baseDir string) {
	c.Storage.Root = SubstituteString(c.Storage.Root, baseDir)
	if c.Sources.Local != nil {
		c.Sources.Local.Dir = SubstituteString(c.Sources.Local.Dir, baseDir)
	}
	if c.Sources.Catalog != nil {
		c.Sources.Catalog.URL = SubstituteString(c.Sources.Catalog.URL, baseDir)
	}
	if c.Sources.GitHub != nil {
		c.Sources.GitHub.BaseURL = SubstituteString(c.Sources.GitHub.BaseURL, baseDir)
		if c.Sources.GitHub.BaseURL == "" {
			c.Sources.GitHub.BaseURL = github.DefaultBaseURL
		}
	}
	if c.Sources.S3 != nil {
		c.Sources.S3.Endpoint = SubstituteString(c.Sources.S3.Endpoint, baseDir)
	}
}

// Validate reports every problem found, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Storage.Root) == "" {
		problems = append(problems, "storage.root is required")
	}
	if c.Sources.Local != nil && c.Sources.Local.Dir == "" {
		problems = append(problems, "sources.local.dir is required")
	}
	if c.Sources.GitHub != nil {
		for i, r := range c.Sources.GitHub.Repositories {
			if r.Owner == "" || r.Name == "" {
				problems = append(problems, fmt.Sprintf("sources.github.repositories[%d] needs owner and name", i))
			}
		}
	}
	if c.Sources.Catalog != nil && c.Sources.Catalog.URL == "" {
		problems = append(problems, "sources.catalog.url is required")
	}
	if c.Sources.Git != nil {
		for i, r := range c.Sources.Git.Repositories {
			if r.URL == "" {
				problems = append(problems, fmt.Sprintf("sources.git.repositories[%d] needs a url", i))
			}
		}
	}
	if c.Sources.S3 != nil && c.Sources.S3.Bucket == "" {
		problems = append(problems, "sources.s3.bucket is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

var substitutionRegex = regexp.MustCompile(`\\(?P<escaped>[~$*])|\\(?P<escaped_backslash>\\)|(?P<tilde>~)|(?P<star>\*)|(?P<varName>\$[a-zA-Z0-9_]+)`)

// SubstituteString replaces $NAME with the environment variable NAME, ~
// with the user's home directory and * with baseDir. A backslash in front
// of '$', '~', '*' or '\' escapes it.
func SubstituteString(in string, baseDir string) string {
	homeDir, _ := os.UserHomeDir()

	return substitutionRegex.ReplaceAllStringFunc(in, func(match string) string {
		switch {
		case match == `\\`:
			return `\`
		case strings.HasPrefix(match, `\`):
			return string(match[1])
		case match == "~":
			if homeDir != "" {
				return homeDir
			}
			return "~"
		case match == "*":
			return baseDir
		case strings.HasPrefix(match, "$"):
			return os.Getenv(match[1:])
		}
		return match
	})
}

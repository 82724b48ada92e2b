// Package creds resolves worker credentials through an ordered lookup
// chain: per-profile store, global settings file, process environment,
// then project-local config. The first non-empty value wins. Resolved
// values are cached with a TTL; secret values are never logged.
package creds

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/strand/internal/log"
)

// ErrNotFound is returned when no link of the chain yields a value.
var ErrNotFound = errors.New("credential not found")

// DefaultCacheTTL bounds how long a resolved credential stays cached.
const DefaultCacheTTL = 5 * time.Minute

// Options configures a Resolver.
type Options struct {
	// ProfilePath is the per-profile secret store (YAML).
	ProfilePath string
	// Profile selects the profile within the store. Default "default".
	Profile string
	// SettingsPath is the global settings file (YAML).
	SettingsPath string
	// CacheTTL overrides DefaultCacheTTL when positive.
	CacheTTL time.Duration
}

// Resolver resolves credentials through the lookup chain.
type Resolver struct {
	profilePath  string
	profile      string
	settingsPath string
	cache        *gocache.Cache
	ttl          time.Duration
}

// NewResolver creates a Resolver with the given options.
func NewResolver(opts Options) *Resolver {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	profile := opts.Profile
	if profile == "" {
		profile = "default"
	}
	return &Resolver{
		profilePath:  opts.ProfilePath,
		profile:      profile,
		settingsPath: opts.SettingsPath,
		cache:        gocache.New(ttl, 2*ttl),
		ttl:          ttl,
	}
}

// Resolve looks up a named credential for a project. Returns ErrNotFound
// when every link of the chain comes up empty.
func (r *Resolver) Resolve(name, projectPath string) (string, error) {
	cacheKey := name + "|" + projectPath
	if cached, found := r.cache.Get(cacheKey); found {
		if value, ok := cached.(string); ok {
			log.Debug(log.CatCreds, "cache hit", "name", name)
			return value, nil
		}
	}

	value := r.lookup(name, projectPath)
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	r.cache.Set(cacheKey, value, r.ttl)
	return value, nil
}

// Flush discards all cached credentials. Called by the watcher when a
// credential file changes on disk.
func (r *Resolver) Flush() {
	r.cache.Flush()
	log.Debug(log.CatCreds, "credential cache flushed")
}

// lookup walks the chain in order. Each step tolerates a missing or
// malformed file: a broken profile store must not mask an environment
// variable further down the chain.
func (r *Resolver) lookup(name, projectPath string) string {
	if v := r.fromProfile(name); v != "" {
		log.Debug(log.CatCreds, "resolved from profile store", "name", name, "profile", r.profile)
		return v
	}
	if v := r.fromSettings(name); v != "" {
		log.Debug(log.CatCreds, "resolved from settings", "name", name)
		return v
	}
	if v := os.Getenv(name); v != "" {
		log.Debug(log.CatCreds, "resolved from environment", "name", name)
		return v
	}
	if v := r.fromProject(name, projectPath); v != "" {
		log.Debug(log.CatCreds, "resolved from project config", "name", name)
		return v
	}
	return ""
}

// profileStore is the YAML shape of the per-profile secret store.
type profileStore struct {
	Profiles map[string]map[string]string `yaml:"profiles"`
}

func (r *Resolver) fromProfile(name string) string {
	if r.profilePath == "" {
		return ""
	}
	data, err := os.ReadFile(r.profilePath)
	if err != nil {
		return ""
	}
	var store profileStore
	if err := yaml.Unmarshal(data, &store); err != nil {
		log.Warn(log.CatCreds, "malformed profile store", "path", r.profilePath)
		return ""
	}
	return store.Profiles[r.profile][name]
}

// settingsFile is the YAML shape of the global settings and the
// project-local config; only the credentials section is consulted here.
type settingsFile struct {
	Credentials map[string]string `yaml:"credentials"`
}

func (r *Resolver) fromSettings(name string) string {
	if r.settingsPath == "" {
		return ""
	}
	return readCredential(r.settingsPath, name)
}

func (r *Resolver) fromProject(name, projectPath string) string {
	if projectPath == "" {
		return ""
	}
	return readCredential(filepath.Join(projectPath, ".strand", "config.yaml"), name)
}

func readCredential(path, name string) string {
	data, err := os.ReadFile(path) //nolint:gosec // G304: paths come from configuration
	if err != nil {
		return ""
	}
	var settings settingsFile
	if err := yaml.Unmarshal(data, &settings); err != nil {
		log.Warn(log.CatCreds, "malformed credentials file", "path", path)
		return ""
	}
	return settings.Credentials[name]
}

// Package config holds the AuditConfig surface the coordinator reads,
// and the environment-driven loading the orchestrator's entry point uses
// to build one, via getEnv/getEnvInt-style helpers.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/riftsec/auditcore/internal/auditerrors"
)

// AuditConfig is immutable after construction: the coordinator reads it
// but never mutates it once the audit has started.
type AuditConfig struct {
	AuditName string   `yaml:"audit_name"`
	Targets   []string `yaml:"targets"`

	IncludeSubdomains bool   `yaml:"include_subdomains"`
	SubdomainRegex    string `yaml:"subdomain_regex"`
	DNSExpansion      string `yaml:"dns_expansion"` // "off" | "new" | "all"

	Depth    int `yaml:"depth"`
	MaxLinks int `yaml:"max_links"`

	FollowRedirects     bool `yaml:"follow_redirects"`
	FollowFirstRedirect bool `yaml:"follow_first_redirect"`

	ProxyAddr string `yaml:"proxy_addr"`
	ProxyUser string `yaml:"proxy_user"`
	ProxyPass string `yaml:"proxy_pass"`
	Cookie    string `yaml:"cookie"`

	UseCacheDB bool `yaml:"use_cache_db"`

	EnabledPlugins  []string `yaml:"enabled_plugins"`
	DisabledPlugins []string `yaml:"disabled_plugins"`
	PluginsFolder   string   `yaml:"plugins_folder"`

	AuditDB string `yaml:"audit_db"`

	MaxProcess        int `yaml:"max_process"`
	RefreshAfterTasks int `yaml:"refresh_after_tasks"`
}

// Validate checks the surface for the sanity conditions the coordinator
// assumes hold for the lifetime of the audit: reject obviously broken
// input before any connection is attempted.
func (c *AuditConfig) Validate() error {
	if len(c.Targets) == 0 {
		return auditerrors.Config("at least one target is required")
	}
	if c.MaxLinks < 0 {
		return auditerrors.Config("max_links must be >= 0")
	}
	if c.MaxProcess < 0 {
		return auditerrors.Config("max_process must be >= 0 (0 means run plugins inline)")
	}
	if c.RefreshAfterTasks < 0 {
		return auditerrors.Config("refresh_after_tasks must be >= 0")
	}
	if c.PluginsFolder == "" {
		return auditerrors.Config("plugins_folder is required")
	}
	return nil
}

// FromEnv builds an AuditConfig from environment variables, defaulting
// anything unset. Targets is comma-separated in AUDIT_TARGETS; the core
// itself does no CLI flag parsing, so the surrounding CLI is expected to
// set this variable after its own flag parsing.
func FromEnv() *AuditConfig {
	return &AuditConfig{
		AuditName:           os.Getenv("AUDIT_NAME"),
		Targets:             splitCSV(getEnv("AUDIT_TARGETS", "")),
		IncludeSubdomains:   getEnvBool("AUDIT_INCLUDE_SUBDOMAINS", false),
		SubdomainRegex:      os.Getenv("AUDIT_SUBDOMAIN_REGEX"),
		DNSExpansion:        getEnv("AUDIT_DNS_EXPANSION", "off"),
		Depth:               getEnvInt("AUDIT_DEPTH", 0),
		MaxLinks:            getEnvInt("AUDIT_MAX_LINKS", 0),
		FollowRedirects:     getEnvBool("AUDIT_FOLLOW_REDIRECTS", true),
		FollowFirstRedirect: getEnvBool("AUDIT_FOLLOW_FIRST_REDIRECT", true),
		ProxyAddr:           os.Getenv("AUDIT_PROXY_ADDR"),
		ProxyUser:           os.Getenv("AUDIT_PROXY_USER"),
		ProxyPass:           os.Getenv("AUDIT_PROXY_PASS"),
		Cookie:              os.Getenv("AUDIT_COOKIE"),
		UseCacheDB:          getEnvBool("AUDIT_USE_CACHE_DB", true),
		EnabledPlugins:      splitCSV(getEnv("AUDIT_ENABLED_PLUGINS", "all")),
		DisabledPlugins:     splitCSV(getEnv("AUDIT_DISABLED_PLUGINS", "")),
		PluginsFolder:       getEnv("AUDIT_PLUGINS_FOLDER", "./plugins"),
		AuditDB:             getEnv("AUDIT_DB", "memory"),
		MaxProcess:          getEnvInt("AUDIT_MAX_PROCESS", 4),
		RefreshAfterTasks:   getEnvInt("AUDIT_REFRESH_AFTER_TASKS", 100),
	}
}

// FromFile builds an AuditConfig starting from FromEnv's defaults, then
// layers a YAML audit profile on top — any field the file sets overrides
// the environment-derived value, any field it omits keeps it. A missing
// file is not an error; it degrades to plain FromEnv behavior, matching
// the optional-profile convention of letting a single environment serve
// both ad hoc and file-driven audits.
func FromFile(path string) (*AuditConfig, error) {
	cfg := FromEnv()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, auditerrors.Config("failed to read audit profile " + path + ": " + err.Error())
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, auditerrors.Config("failed to parse audit profile " + path + ": " + err.Error())
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

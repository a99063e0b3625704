package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile represents a deployment-specific policy profile.
// Profiles set the trust and audit defaults a single engine instance
// runs with; the wire protocol itself is profile-independent.
type DeploymentProfile struct {
	Name      string          `yaml:"name" json:"name"`
	Code      string          `yaml:"code" json:"code"`
	Trust     TrustDefaults   `yaml:"trust" json:"trust"`
	Audit     AuditPolicy     `yaml:"audit" json:"audit"`
	Archive   ArchivePolicy   `yaml:"archive" json:"archive"`
	RateLimit RateLimitPolicy `yaml:"rate_limit" json:"rate_limit"`
}

// TrustDefaults holds per-deployment trust issuance defaults.
type TrustDefaults struct {
	GenesisTTLHours int `yaml:"genesis_ttl_hours" json:"genesis_ttl_hours"`
	TokenTTLMinutes int `yaml:"token_ttl_minutes" json:"token_ttl_minutes"`
}

// TokenTTL returns the grant token lifetime as a duration.
func (d TrustDefaults) TokenTTL() time.Duration {
	return time.Duration(d.TokenTTLMinutes) * time.Minute
}

// GenesisTTL returns the default genesis chain lifetime, zero meaning
// no expiry.
func (d TrustDefaults) GenesisTTL() time.Duration {
	return time.Duration(d.GenesisTTLHours) * time.Hour
}

// AuditPolicy defines ledger retention and export policy.
type AuditPolicy struct {
	RetentionDays       int    `yaml:"retention_days" json:"retention_days"`
	ExportFormat        string `yaml:"export_format" json:"export_format"` // "json" | "csv"
	ExportIntervalHours int    `yaml:"export_interval_hours,omitempty" json:"export_interval_hours,omitempty"`
}

// ArchivePolicy selects the cold-storage backend for audit exports.
type ArchivePolicy struct {
	Backend  string `yaml:"backend" json:"backend"` // "none" | "s3" | "gcs"
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// RateLimitPolicy selects where rate-limit buckets live.
type RateLimitPolicy struct {
	Backend string `yaml:"backend" json:"backend"` // "memory" | "redis"
}

// LoadProfile loads a deployment profile YAML by code.
// It searches the profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*DeploymentProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*DeploymentProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*DeploymentProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile DeploymentProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_prod.yaml -> prod
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// Default returns the profile used when no profiles directory is
// configured.
func Default() *DeploymentProfile {
	return &DeploymentProfile{
		Name: "Default",
		Code: "default",
		Trust: TrustDefaults{
			TokenTTLMinutes: 60,
		},
		Audit: AuditPolicy{
			RetentionDays: 365,
			ExportFormat:  "json",
		},
		Archive:   ArchivePolicy{Backend: "none"},
		RateLimit: RateLimitPolicy{Backend: "memory"},
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Backend names
const (
	BackendEarthEngine = "earthengine"
	BackendOffline     = "offline"
)

// UserSettings holds persistent export defaults
type UserSettings struct {
	// Earth Engine cloud project
	Project string `json:"project"`
	Backend string `json:"backend"` // "earthengine" or "offline"

	// Export destination defaults
	Target string `json:"target"` // "gcs" or "drive"
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`

	// Patch extraction
	Scale     float64 `json:"scale"`     // meters per pixel
	Radius    int     `json:"radius"`    // pixels
	ChunkSize int     `json:"chunkSize"` // points per export
	AddLatLon bool    `json:"addLatLon"`

	// Polling
	PollIntervalSeconds int `json:"pollIntervalSeconds"`
	MaxConcurrentChecks int `json:"maxConcurrentChecks"`

	// Local state
	StateDir   string `json:"stateDir"`   // persisted export tasks
	CatalogDir string `json:"catalogDir"` // offline raster catalog
	OutputDir  string `json:"outputDir"`  // offline export output

	// Logging
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`

	// Analytics
	PostHogKey string `json:"posthogKey,omitempty"`
}

// DefaultSettings returns default settings
func DefaultSettings() *UserSettings {
	baseDir := BaseDir()
	return &UserSettings{
		Backend:             BackendEarthEngine,
		Target:              "gcs",
		Prefix:              "sustainbench",
		Scale:               30,
		Radius:              127,
		ChunkSize:           50,
		AddLatLon:           false,
		PollIntervalSeconds: 20,
		MaxConcurrentChecks: 8,
		StateDir:            filepath.Join(baseDir, "tasks"),
		CatalogDir:          filepath.Join(baseDir, "catalog"),
		OutputDir:           filepath.Join(baseDir, "output"),
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// BaseDir is ~/.sustainbench
func BaseDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".sustainbench")
}

// GetSettingsPath returns the settings file path. SB_SETTINGS overrides it.
func GetSettingsPath() string {
	if p := os.Getenv("SB_SETTINGS"); p != "" {
		return p
	}
	return filepath.Join(BaseDir(), "settings.json")
}

// LoadSettings loads settings from the default path
func LoadSettings() (*UserSettings, error) {
	return LoadSettingsFrom(GetSettingsPath())
}

// LoadSettingsFrom reads settings from path. A missing file yields defaults.
// Keys absent from the file keep their defaults; empty strings and
// non-positive sizes are filled from defaults too. Radius 0 is a valid
// single-pixel patch and is kept.
func LoadSettingsFrom(path string) (*UserSettings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultSettings(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	settings := DefaultSettings()
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	settings.mergeDefaults(DefaultSettings())
	return settings, nil
}

func (s *UserSettings) mergeDefaults(d *UserSettings) {
	if s.Backend == "" {
		s.Backend = d.Backend
	}
	if s.Target == "" {
		s.Target = d.Target
	}
	if s.Prefix == "" {
		s.Prefix = d.Prefix
	}
	if s.Scale == 0 {
		s.Scale = d.Scale
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = d.ChunkSize
	}
	if s.PollIntervalSeconds == 0 {
		s.PollIntervalSeconds = d.PollIntervalSeconds
	}
	if s.MaxConcurrentChecks == 0 {
		s.MaxConcurrentChecks = d.MaxConcurrentChecks
	}
	if s.StateDir == "" {
		s.StateDir = d.StateDir
	}
	if s.CatalogDir == "" {
		s.CatalogDir = d.CatalogDir
	}
	if s.OutputDir == "" {
		s.OutputDir = d.OutputDir
	}
	if s.LogLevel == "" {
		s.LogLevel = d.LogLevel
	}
	if s.LogFormat == "" {
		s.LogFormat = d.LogFormat
	}
}

// SaveSettings saves settings to the default path
func SaveSettings(settings *UserSettings) error {
	return SaveSettingsTo(GetSettingsPath(), settings)
}

// SaveSettingsTo writes settings as indented JSON
func SaveSettingsTo(path string, settings *UserSettings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

// LoadDotEnv loads .env from the working directory if present. Variables
// already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load %v: %w", existing, err)
	}
	return nil
}

// ApplyEnv overrides settings from SB_* variables (and GOOGLE_CLOUD_PROJECT
// for the project when SB_PROJECT is unset).
func (s *UserSettings) ApplyEnv() error {
	str := map[string]*string{
		"SB_PROJECT":     &s.Project,
		"SB_BACKEND":     &s.Backend,
		"SB_TARGET":      &s.Target,
		"SB_BUCKET":      &s.Bucket,
		"SB_PREFIX":      &s.Prefix,
		"SB_STATE_DIR":   &s.StateDir,
		"SB_CATALOG_DIR": &s.CatalogDir,
		"SB_OUTPUT_DIR":  &s.OutputDir,
		"SB_POSTHOG_KEY": &s.PostHogKey,
		"LOG_LEVEL":      &s.LogLevel,
		"LOG_FORMAT":     &s.LogFormat,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	if s.Project == "" {
		s.Project = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}

	ints := map[string]*int{
		"SB_RADIUS":        &s.Radius,
		"SB_CHUNK_SIZE":    &s.ChunkSize,
		"SB_POLL_INTERVAL": &s.PollIntervalSeconds,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = n
		}
	}
	if v := os.Getenv("SB_SCALE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid SB_SCALE %q: %w", v, err)
		}
		s.Scale = f
	}
	return s.Validate()
}

// Validate checks value ranges
func (s *UserSettings) Validate() error {
	switch s.Backend {
	case BackendEarthEngine, BackendOffline:
	default:
		return fmt.Errorf("invalid backend %q (must be %s or %s)", s.Backend, BackendEarthEngine, BackendOffline)
	}
	if s.Scale <= 0 {
		return fmt.Errorf("scale must be positive, got %v", s.Scale)
	}
	if s.Radius < 0 {
		return fmt.Errorf("radius must not be negative, got %d", s.Radius)
	}
	if s.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", s.ChunkSize)
	}
	if s.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll interval must be positive, got %d", s.PollIntervalSeconds)
	}
	return nil
}

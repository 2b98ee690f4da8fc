package config

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// UserSettings represents persistent user preferences
type UserSettings struct {
	// Export settings
	ExportPath       string `json:"exportPath"`
	TimelapseFormat  string `json:"timelapseFormat"` // "avi" or "gif"
	TimelapseQuality int    `json:"timelapseQuality"`

	// Cache settings
	CacheMaxSizeMB int `json:"cacheMaxSizeMB"`
	CacheTTLDays   int `json:"cacheTTLDays"`

	// Startup view
	DefaultSpotID string `json:"defaultSpotID"`

	// Immersive settings
	DeviceClassOverride string `json:"deviceClassOverride,omitempty"` // "", "standard", "constrained"

	// Network behaviour
	AutoRetryOnRateLimit bool `json:"autoRetryOnRateLimit"`

	// Privacy
	AnalyticsEnabled bool `json:"analyticsEnabled"`

	// UI preferences
	Theme string `json:"theme"` // "light", "dark", "system"
}

// DefaultSettings returns default user settings
func DefaultSettings() *UserSettings {
	homeDir, _ := os.UserHomeDir()
	exportPath := filepath.Join(homeDir, "Downloads", "makuhari-history")

	return &UserSettings{
		ExportPath:           exportPath,
		TimelapseFormat:      "avi",
		TimelapseQuality:     90,
		CacheMaxSizeMB:       250,
		CacheTTLDays:         30,
		DefaultSpotID:        "makuhari-messe",
		DeviceClassOverride:  "",
		AutoRetryOnRateLimit: true,
		AnalyticsEnabled:     false,
		Theme:                "system",
	}
}

// GetSettingsPath returns the OS-specific settings file path
func GetSettingsPath() string {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".southmakuhari-history", "settings")
	os.MkdirAll(baseDir, 0755)
	return filepath.Join(baseDir, "settings.json")
}

// LoadSettings loads user settings from disk, falling back to defaults for
// a missing file or missing fields.
func LoadSettings() (*UserSettings, error) {
	settingsPath := GetSettingsPath()

	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		return DefaultSettings(), nil
	}

	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings UserSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	defaults := DefaultSettings()
	if settings.ExportPath == "" {
		settings.ExportPath = defaults.ExportPath
	}
	if settings.TimelapseFormat == "" {
		settings.TimelapseFormat = defaults.TimelapseFormat
	}
	if settings.TimelapseQuality == 0 {
		settings.TimelapseQuality = defaults.TimelapseQuality
	}
	if settings.CacheMaxSizeMB == 0 {
		settings.CacheMaxSizeMB = defaults.CacheMaxSizeMB
	}
	if settings.CacheTTLDays == 0 {
		settings.CacheTTLDays = defaults.CacheTTLDays
	}
	if settings.DefaultSpotID == "" {
		settings.DefaultSpotID = defaults.DefaultSpotID
	}
	if settings.Theme == "" {
		settings.Theme = defaults.Theme
	}

	return &settings, nil
}

// SaveSettings writes user settings to disk atomically.
func SaveSettings(settings *UserSettings) error {
	settingsPath := GetSettingsPath()

	dir := filepath.Dir(settingsPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tmpPath := settingsPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmpPath, settingsPath); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}

	return nil
}

// ValidateDeviceClass checks a device-class override value.
func ValidateDeviceClass(class string) error {
	switch class {
	case "", "standard", "constrained":
		return nil
	default:
		return fmt.Errorf("invalid device class: %s (must be standard or constrained)", class)
	}
}

package main

import (
	"fmt"

	"southmakuhari-history/internal/config"
)

// ===================
// Settings Management
// ===================

// GetSettings returns current user settings
func (a *App) GetSettings() (*config.UserSettings, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Return a copy to prevent external modifications
	settingsCopy := *a.settings
	return &settingsCopy, nil
}

// SaveSettings validates, persists, and applies user settings. Cache limits
// only take effect on the next start; everything else applies immediately.
func (a *App) SaveSettings(settings *config.UserSettings) error {
	if settings.ExportPath == "" {
		return fmt.Errorf("export path cannot be empty")
	}
	if settings.CacheMaxSizeMB <= 0 {
		return fmt.Errorf("cache size must be positive")
	}
	if settings.CacheTTLDays <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if settings.TimelapseFormat != "avi" && settings.TimelapseFormat != "gif" {
		return fmt.Errorf("timelapse format must be avi or gif")
	}
	if settings.TimelapseQuality < 1 || settings.TimelapseQuality > 100 {
		return fmt.Errorf("timelapse quality must be between 1 and 100")
	}
	if err := config.ValidateDeviceClass(settings.DeviceClassOverride); err != nil {
		return err
	}
	switch settings.Theme {
	case "light", "dark", "system":
	default:
		return fmt.Errorf("unknown theme: %s", settings.Theme)
	}

	if err := config.SaveSettings(settings); err != nil {
		return err
	}

	a.mu.Lock()
	oldCacheSize := a.settings.CacheMaxSizeMB
	oldCacheTTL := a.settings.CacheTTLDays
	a.settings = settings
	a.mu.Unlock()

	if a.rateLimits != nil {
		a.rateLimits.SetAutoRetry(settings.AutoRetryOnRateLimit)
	}
	if a.syncer != nil {
		a.syncer.SetProfile(a.currentProfile())
	}
	if settings.CacheMaxSizeMB != oldCacheSize || settings.CacheTTLDays != oldCacheTTL {
		a.logger.Info().Msg("cache settings saved, they apply on next restart")
	}

	a.logger.Info().Msg("settings saved")
	return nil
}

// GetSettingsPath returns the OS-specific settings file path
func (a *App) GetSettingsPath() string {
	return config.GetSettingsPath()
}

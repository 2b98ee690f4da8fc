package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Load sets engine defaults and reads the optional config file from
// configDir. A missing file is fine; the defaults stand.
func Load(configDir string) error {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logPretty", true)

	// Empty path means the embedded timeline ships with the binary.
	viper.SetDefault("timeline.path", "")

	viper.SetDefault("tile.root", "https://cyberjapandata.gsi.go.jp/xyz")
	viper.SetDefault("tile.timeout", "30s")
	viper.SetDefault("tile.workers", 10)

	viper.SetDefault("cache.maxSizeMB", 250)
	viper.SetDefault("cache.ttlDays", 30)

	viper.SetDefault("fade.duration", "350ms")
	viper.SetDefault("fade.tick", "16ms")

	viper.SetDefault("sync.settleDelay", "250ms")
	viper.SetDefault("sync.standardSpan", 3)
	viper.SetDefault("sync.constrainedSpan", 2)
	viper.SetDefault("sync.standardMaxZoom", 17)
	viper.SetDefault("sync.constrainedMaxZoom", 16)

	// Empty font path falls back to the built-in face for video titles.
	viper.SetDefault("export.fontPath", "")

	viper.SetDefault("analytics.apiKey", "")
	viper.SetDefault("analytics.endpoint", "https://us.i.posthog.com")

	viper.SetConfigName("southmakuhari.cfg.json")
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}

package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch re-reads the config file on change and passes the new, validated
// configuration to apply. Invalid edits are logged and ignored. Watch is a
// no-op when no config file was loaded.
func Watch(apply func(*Config)) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load()
		if err != nil {
			slog.Warn("[Config] Ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("[Config] Config file changed", "file", e.Name)
		apply(cfg)
	})
	viper.WatchConfig()
}

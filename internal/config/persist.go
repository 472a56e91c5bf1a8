package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// SaveProvider writes a provider's settings and models back to the config
// file, leaving the rest of the file untouched.
func SaveProvider(name string, p ProviderConfig) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	return saveProvider(viper.GetViper(), path, name, p)
}

func saveProvider(v *viper.Viper, path, name string, p ProviderConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Round-trip through YAML so nested structs become plain maps viper can
	// merge and serialize.
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode provider %s: %w", name, err)
	}
	var plain map[string]any
	if err := yaml.Unmarshal(data, &plain); err != nil {
		return fmt.Errorf("decode provider %s: %w", name, err)
	}
	// Keep secrets as written by the user rather than their expanded values.
	if raw := v.GetString("providers." + name + ".api_key"); raw != "" {
		plain["api_key"] = raw
	} else {
		delete(plain, "api_key")
	}
	v.Set("providers."+name, plain)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Watch reloads the config whenever the file changes and hands the new value
// to onChange. Reload errors are logged and the previous config stays in use.
func Watch(onChange func(*Config)) {
	watch(viper.GetViper(), onChange)
}

func watch(v *viper.Viper, onChange func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("config reload failed", "file", e.Name, "err", err)
			return
		}
		slog.Debug("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
}

// Render returns cfg as YAML with API keys masked.
func Render(cfg *Config) (string, error) {
	masked := *cfg
	masked.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		if p.APIKey != "" {
			p.APIKey = "********"
		}
		masked.Providers[name] = p
	}
	data, err := yaml.Marshal(masked)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

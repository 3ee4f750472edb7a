package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"klipper-probecal/pkg/errors"
)

const (
	autosaveHeader = "#*# <---------------------- SAVE_CONFIG ---------------------->"
	autosaveNotice = "#*# DO NOT EDIT THIS BLOCK OR BELOW. The contents are auto-generated."
)

// AutosaveConfig stages runtime changes (such as a calibrated probe offset)
// and writes them to the SAVE_CONFIG block at the end of the config file.
type AutosaveConfig struct {
	*Config

	mu sync.Mutex

	// path is the file the config was loaded from
	path string

	// pending holds staged options by section
	pending map[string]map[string]string
}

// NewAutosaveConfig wraps a Config with autosave capabilities.
func NewAutosaveConfig(cfg *Config, path string) *AutosaveConfig {
	return &AutosaveConfig{
		Config:  cfg,
		path:    path,
		pending: make(map[string]map[string]string),
	}
}

// LoadAutosave loads a config file with autosave capabilities.
func LoadAutosave(path string) (*AutosaveConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewAutosaveConfig(cfg, path), nil
}

// Set stages an option for the next Save and applies it to the loaded config.
func (c *AutosaveConfig) Set(section, option, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Config.set(section, option, value)
	if c.pending[section] == nil {
		c.pending[section] = make(map[string]string)
	}
	c.pending[section][strings.ToLower(option)] = value
}

// HasChanges returns true if there are unsaved changes.
func (c *AutosaveConfig) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// GetModifiedSections returns the sections with staged changes.
func (c *AutosaveConfig) GetModifiedSections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]string, 0, len(c.pending))
	for sec := range c.pending {
		result = append(result, sec)
	}
	sort.Strings(result)
	return result
}

// ClearChanges discards staged changes without saving.
func (c *AutosaveConfig) ClearChanges() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]map[string]string)
}

// Path returns the path the config was loaded from.
func (c *AutosaveConfig) Path() string {
	return c.path
}

// Save merges the staged options into the file's SAVE_CONFIG block. Options
// in the main body that the block overrides are commented out. The previous
// file is kept as a timestamped backup.
func (c *AutosaveConfig) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		return errors.StorageError("save config", fmt.Errorf("config was not loaded from a file"))
	}
	if len(c.pending) == 0 {
		return nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return errors.StorageError("read config", err)
	}
	body, block := splitAutosave(string(data))

	saved, err := LoadString(block)
	if err != nil {
		return errors.StorageError("parse SAVE_CONFIG block", err)
	}
	merged := make(map[string]map[string]string)
	for _, name := range saved.GetSectionNames() {
		merged[name] = saved.SavedOptions(name)
	}
	for sec, opts := range c.pending {
		if merged[sec] == nil {
			merged[sec] = make(map[string]string)
		}
		for k, v := range opts {
			merged[sec][k] = v
		}
	}

	content := strings.TrimRight(commentOverridden(body, merged), "\n") + "\n\n" + renderAutosave(merged)

	if err := c.createBackup(data); err != nil {
		return errors.StorageError("backup config", err)
	}
	if err := writeAtomic(c.path, content); err != nil {
		return errors.StorageError("write config", err)
	}

	c.pending = make(map[string]map[string]string)
	return nil
}

// splitAutosave separates the user-edited body from the SAVE_CONFIG block.
func splitAutosave(data string) (body, block string) {
	idx := strings.Index(data, autosaveHeader)
	if idx < 0 {
		return data, ""
	}
	return data[:idx], data[idx:]
}

// commentOverridden prefixes "#" to body options that the block redefines.
func commentOverridden(body string, saved map[string]map[string]string) string {
	lines := strings.Split(body, "\n")
	var section string
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		if raw[0] == ' ' || raw[0] == '\t' {
			continue
		}
		idx := strings.IndexAny(line, ":=")
		if idx <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		if _, ok := saved[section][key]; ok {
			lines[i] = "#" + raw
		}
	}
	return strings.Join(lines, "\n")
}

// renderAutosave formats the SAVE_CONFIG block.
func renderAutosave(saved map[string]map[string]string) string {
	names := make([]string, 0, len(saved))
	for name := range saved {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(autosaveHeader + "\n")
	sb.WriteString(autosaveNotice + "\n")
	for _, name := range names {
		sb.WriteString("#*#\n")
		fmt.Fprintf(&sb, "#*# [%s]\n", name)

		keys := make([]string, 0, len(saved[name]))
		for k := range saved[name] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "#*# %s = %s\n", k, saved[name][k])
		}
	}
	return sb.String()
}

// createBackup writes printer.cfg -> printer-20060102_150405.cfg.
func (c *AutosaveConfig) createBackup(data []byte) error {
	ext := filepath.Ext(c.path)
	base := strings.TrimSuffix(c.path, ext)
	timestamp := time.Now().Format("20060102_150405")
	backupPath := fmt.Sprintf("%s-%s%s", base, timestamp, ext)
	return os.WriteFile(backupPath, data, 0644)
}

// writeAtomic replaces path through a temp file in the same directory.
func writeAtomic(path, content string) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.WriteString(content); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

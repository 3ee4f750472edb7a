// Package config parses printer.cfg style files: [section] headers,
// "key: value" or "key = value" options, [include glob] directives and the
// "#*#" SAVE_CONFIG block written by AutosaveConfig.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config provides access to a configuration file with access tracking.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string // Maintains section order

	// Access tracking for sections
	accessedSections map[string]struct{}

	// saved holds the options read from the SAVE_CONFIG block
	saved map[string]map[string]string
}

// New creates a new empty Config.
func New() *Config {
	return &Config{
		sections:         make(map[string]*Section),
		accessedSections: make(map[string]struct{}),
		saved:            make(map[string]map[string]string),
	}
}

// Load reads a configuration file and returns a Config.
// Supports [include path] directives for including other config files.
func Load(path string) (*Config, error) {
	c := New()
	visited := make(map[string]bool)
	if err := c.parseFile(path, visited); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses a configuration from a string.
func LoadString(data string) (*Config, error) {
	return Parse(strings.NewReader(data))
}

// Parse reads a configuration from r. Include directives are rejected since
// there is no directory to resolve them against.
func Parse(r io.Reader) (*Config, error) {
	c := New()
	if err := c.parse(r, "<input>", "", nil); err != nil {
		return nil, err
	}
	return c, nil
}

// parseFile parses a config file and handles include directives.
func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}

	// Check for recursive includes
	if visited[abs] {
		return ErrSyntax(path, 0, "recursive include")
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	return c.parse(f, path, filepath.Dir(abs), visited)
}

func (c *Config) parse(r io.Reader, name, dir string, visited map[string]bool) error {
	var currentSection string
	var currentOptions map[string]string
	var currentSaved bool
	flush := func() {
		if currentSection != "" {
			c.addSection(currentSection, currentOptions, currentSaved)
		}
		currentSection = ""
		currentOptions = nil
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// "#*#" lines are the SAVE_CONFIG block and parse as regular config.
		saved := false
		if strings.HasPrefix(line, "#*#") {
			line = strings.TrimSpace(line[3:])
			if line == "" {
				continue
			}
			saved = true
		} else if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
			if line == "" {
				continue
			}
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()

			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return ErrSyntax(name, lineNum, "empty section header")
			}

			if strings.HasPrefix(header, "include ") {
				if err := c.include(strings.TrimSpace(header[8:]), name, lineNum, dir, visited); err != nil {
					return err
				}
				continue
			}

			currentSection = header
			currentOptions = make(map[string]string)
			currentSaved = saved
			continue
		}

		// Skip options before first section
		if currentSection == "" {
			continue
		}

		idx := strings.IndexAny(line, ":=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		currentOptions[key] = value
	}
	flush()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", name, err)
	}
	return nil
}

func (c *Config) include(spec, name string, lineNum int, dir string, visited map[string]bool) error {
	if spec == "" {
		return ErrSyntax(name, lineNum, "empty include")
	}
	if visited == nil {
		return ErrSyntax(name, lineNum, "include not supported here")
	}
	glob := filepath.Join(dir, spec)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return ErrSyntax(name, lineNum, fmt.Sprintf("invalid include pattern %q", spec))
	}
	sort.Strings(matches)
	if len(matches) == 0 && !hasGlobMeta(glob) {
		return ErrSyntax(name, lineNum, "include file does not exist: "+glob)
	}
	for _, m := range matches {
		if err := c.parseFile(m, visited); err != nil {
			return err
		}
	}
	return nil
}

// hasGlobMeta returns true if the path contains glob metacharacters.
func hasGlobMeta(path string) bool {
	return strings.ContainsAny(path, "*?[")
}

// addSection adds a section to the config. Later definitions of a section
// override earlier options.
func (c *Config) addSection(name string, options map[string]string, saved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if saved {
		dst := c.saved[name]
		if dst == nil {
			dst = make(map[string]string)
			c.saved[name] = dst
		}
		for k, v := range options {
			dst[strings.ToLower(k)] = v
		}
	}

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.set(k, v)
		}
		return
	}

	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// set updates one option, creating the section if needed.
func (c *Config) set(section, option, value string) {
	c.addSection(section, map[string]string{option: value}, false)
}

// GetSection returns a Section by name, or error if not found.
func (c *Config) GetSection(name string) (*Section, error) {
	if sec := c.GetSectionOptional(name); sec != nil {
		return sec, nil
	}
	return nil, ErrMissingSection(name)
}

// GetSectionOptional returns a Section if it exists, or nil if not.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if ok {
		c.accessedSections[name] = struct{}{}
	}
	return sec
}

// HasSection checks if a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]string, len(c.order))
	copy(result, c.order)
	return result
}

// SavedOptions returns the options a section got from the SAVE_CONFIG block.
func (c *Config) SavedOptions(section string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]string, len(c.saved[section]))
	for k, v := range c.saved[section] {
		result[k] = v
	}
	return result
}

// GetUnusedSections returns a list of sections that were not accessed.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for name := range c.sections {
		if _, ok := c.accessedSections[name]; !ok {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// GetUnusedOptions lists options of accessed sections that were never read,
// as "section.option".
func (c *Config) GetUnusedOptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for name, sec := range c.sections {
		if _, ok := c.accessedSections[name]; !ok {
			continue
		}
		for _, opt := range sec.GetUnusedOptions() {
			result = append(result, name+"."+opt)
		}
	}
	sort.Strings(result)
	return result
}

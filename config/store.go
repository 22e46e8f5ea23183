// The below code is derived from github.com/spf13/viper,
// which comes with the below copyright notice:
//
// Copyright © 2014 Steve Francia <spf@spf13.com>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v2"
)

// ConfigMarshalError happens when failing to marshal the configuration.
type ConfigMarshalError struct {
	err error
}

// Error returns the formatted configuration error.
func (e ConfigMarshalError) Error() string {
	return fmt.Sprintf("While marshaling config: %s", e.err.Error())
}

// Source is a recursive store of config key/value (values can be maps)
type Source interface {
	Values() map[string]interface{}
}

// Loader is a Source which needs explicit loading to refresh
type Loader interface {
	Source
	Load() error
}

// Store is a prioritized configuration registry. It maintains a set of
// configuration sources and provides the merged values according to the
// source's priority, highest first:
//  1. overrides (see Set())
//  2. flags
//  3. environment variables, then variables from .env files
//  4. config sources in the order added, later ones winning
//  5. defaults (see SetDefault())
//
// Sources are hierarchical, but each value still has a unique key in a flat
// keyspace. Given the key delimiter "." the YAML
//
//  workers:
//    count: 4
//
// gives key "workers.count" == 4
type Store struct {
	mu sync.Mutex

	keyDelim  string
	envPrefix string

	pflags map[string]FlagValue
	env    map[string][]string
	dotenv map[string]string

	override map[string]interface{}
	defaults map[string]interface{}

	sources []Source

	configCache map[string]interface{}

	allowEmptyEnv   bool
	caseInsensitive bool
}

// Option configures a Store.
type Option func(*Store)

// KeyDelimiter sets the delimiter used for determining key parts.
// By default it's value is ".".
func KeyDelimiter(d string) Option {
	return func(s *Store) { s.keyDelim = d }
}

// EnvPrefix is prepended (with a "_") to env variable names derived from keys.
func EnvPrefix(pfx string) Option {
	return func(s *Store) { s.envPrefix = pfx }
}

// CaseSensitive keys. The default is case insensitive.
func CaseSensitive(sensitive bool) Option {
	return func(s *Store) { s.caseInsensitive = !sensitive }
}

// AllowEmptyEnv makes set but empty env variables count as values.
func AllowEmptyEnv(allow bool) Option {
	return func(s *Store) { s.allowEmptyEnv = allow }
}

// NewStore returns an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		keyDelim:        ".",
		caseInsensitive: true,
		pflags:          make(map[string]FlagValue),
		env:             make(map[string][]string),
		dotenv:          make(map[string]string),
		override:        make(map[string]interface{}),
		defaults:        make(map[string]interface{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) casing(key string) string {
	if s.caseInsensitive {
		return strings.ToLower(key)
	}
	return key
}

func (s *Store) invalidateCache() {
	s.configCache = nil
}

// AddConfigFile adds a file source. An empty format is guessed from the
// file extension.
func (s *Store) AddConfigFile(format, filename string) {
	if filename == "" {
		return
	}
	if format == "" {
		format = formatOf(filename)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, &File{filename: filename, filetype: format})
	s.invalidateCache()
}

// AddConfigFrom parses the data in the provided io.Reader and adds it as a source.
func (s *Store) AddConfigFrom(format string, in io.Reader) error {
	data := make(map[string]interface{})
	if err := unmarshalReader(format, in, data); err != nil {
		return err
	}
	s.AddSource(&inMem{values: data})
	return nil
}

// AddSource adds a custom source.
func (s *Store) AddSource(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
	s.invalidateCache()
}

// Files returns the names of the file sources.
func (s *Store) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, src := range s.sources {
		if f, ok := src.(*File); ok {
			names = append(names, f.filename)
		}
	}
	return names
}

// SetDefault sets the default value for this key.
// Default only used when no value is provided by the user via flag, config or ENV.
func (s *Store) SetDefault(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setKeyInMap(s.defaults, strings.Split(s.casing(key), s.keyDelim), value)
	s.invalidateCache()
}

// Set sets the value for the key in the override register.
func (s *Store) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setKeyInMap(s.override, strings.Split(s.casing(key), s.keyDelim), value)
	s.invalidateCache()
}

// Load (re)loads all sources needing it. Nothing changes if any fails.
func (s *Store) Load() error {
	s.mu.Lock()
	sources := append([]Source(nil), s.sources...)
	s.mu.Unlock()

	loaded := make([]map[string]interface{}, len(sources))
	for i, src := range sources {
		if f, ok := src.(*File); ok {
			vals, err := f.read()
			if err != nil {
				return err
			}
			loaded[i] = vals
		} else if l, ok := src.(Loader); ok {
			if err := l.Load(); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, src := range sources {
		if f, ok := src.(*File); ok {
			f.set(loaded[i])
		}
	}
	s.invalidateCache()
	return nil
}

// Config returns the merged configuration.
func (s *Store) Config() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config()
}

func (s *Store) config() map[string]interface{} {
	if s.configCache == nil {
		s.configCache = s.mergeConfigs()
	}
	return s.configCache
}

func (s *Store) mergeConfigs() (consolidated map[string]interface{}) {
	// merge in priority order - lowest first.
	consolidated = deepCopyMap(s.defaults, s.caseInsensitive)
	for _, src := range s.sources {
		mergeMaps(consolidated, deepCopyMap(src.Values(), s.caseInsensitive))
	}
	mergeMaps(consolidated, s.envBindings2configMap())
	mergeMaps(consolidated, s.flagBindings2configMap())
	mergeMaps(consolidated, deepCopyMap(s.override, s.caseInsensitive))
	return
}

// Get the merged value of key, or nil.
func (s *Store) Get(key string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return searchMap(s.config(), strings.Split(s.casing(key), s.keyDelim))
}

// InConfig tells if the key has a value from any source.
func (s *Store) InConfig(key string) bool {
	return s.Get(key) != nil
}

// Marshal the merged configuration to out as json, yaml or toml.
func (s *Store) Marshal(out io.Writer, format string) error {
	f := bufio.NewWriter(out)
	c := s.Config()
	switch strings.ToLower(format) {
	case "json", "":
		b, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return ConfigMarshalError{err}
		}
		f.Write(b)
		f.WriteByte('\n')
	case "yaml", "yml":
		b, err := yaml.Marshal(c)
		if err != nil {
			return ConfigMarshalError{err}
		}
		f.Write(b)
	case "toml":
		t, err := toml.TreeFromMap(c)
		if err != nil {
			return ConfigMarshalError{err}
		}
		f.WriteString(t.String())
	default:
		return ConfigMarshalError{fmt.Errorf("unknown format %q", format)}
	}
	return f.Flush()
}

// Debug prints all configuration registries.
func (s *Store) Debug(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(w, "Defaults:\n%#v\n", s.defaults)
	for _, src := range s.sources {
		fmt.Fprintf(w, "Source:\n%#v\n", src.Values())
	}
	fmt.Fprintf(w, "Override:\n%#v\n", s.override)
	fmt.Fprintf(w, "PFlags:\n%#v\n", s.pflags)
	fmt.Fprintf(w, "Env:\n%#v\n", s.env)
}

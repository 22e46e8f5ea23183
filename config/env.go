package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/subosito/gotenv"
)

// BindEnv binds a key to env variables.
// If only a key is provided, the env variable name is the key uppercased,
// with the key delimiter replaced by "_" and the EnvPrefix prepended.
// More arguments are taken verbatim as the variable names, first set wins.
func (s *Store) BindEnv(input ...string) error {
	if len(input) == 0 {
		return fmt.Errorf("missing key to bind to")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.casing(input[0])
	if len(input) == 1 {
		s.env[key] = append(s.env[key], s.envName(key))
	} else {
		s.env[key] = append(s.env[key], input[1:]...)
	}
	s.invalidateCache()
	return nil
}

func (s *Store) envName(key string) string {
	name := strings.ReplaceAll(key, s.keyDelim, "_")
	if s.envPrefix != "" {
		name = s.envPrefix + "_" + name
	}
	return strings.ToUpper(name)
}

// LoadDotEnv reads variables from .env style files. They count as env
// variables, but the real environment wins.
func (s *Store) LoadDotEnv(filenames ...string) error {
	vars := make(map[string]string)
	for _, fn := range filenames {
		f, err := os.Open(fn)
		if err != nil {
			return err
		}
		env, err := gotenv.StrictParse(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", fn, err)
		}
		for k, v := range env {
			vars[k] = v
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dotenv = vars
	s.invalidateCache()
	return nil
}

func (s *Store) getEnv(name string) (string, bool) {
	val, ok := os.LookupEnv(name)
	if !ok {
		val, ok = s.dotenv[name]
	}
	return val, ok && (s.allowEmptyEnv || val != "")
}

func (s *Store) envBindings2configMap() map[string]interface{} {
	result := make(map[string]interface{})
	for key, names := range s.env {
		for _, name := range names {
			if val, ok := s.getEnv(name); ok {
				setKeyInMap(result, strings.Split(key, s.keyDelim), val)
				break
			}
		}
	}
	return result
}

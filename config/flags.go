package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
)

// FlagValue is an interface that users can implement
// to bind different flags to a Store.
type FlagValue interface {
	ExplicitlyGiven() bool
	Name() string
	ValueString() string
	ValueType() string
}

// pflagValue is a wrapper around *pflag.Flag
// that implements FlagValue
type pflagValue struct {
	flag *pflag.Flag
}

func (p pflagValue) ExplicitlyGiven() bool { return p.flag.Changed }
func (p pflagValue) Name() string          { return p.flag.Name }
func (p pflagValue) ValueString() string   { return p.flag.Value.String() }
func (p pflagValue) ValueType() string     { return p.flag.Value.Type() }

// BindPFlag binds a specific key to a pflag. Only flags given on the
// command line override other sources.
func (s *Store) BindPFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("flag for %q is nil", key)
	}
	return s.BindFlagValue(key, pflagValue{flag})
}

// BindPFlags binds a full flag set to the configuration, using each flag's long
// name as the config key.
func (s *Store) BindPFlags(flags *pflag.FlagSet) (err error) {
	flags.VisitAll(func(flag *pflag.Flag) {
		if err == nil {
			err = s.BindFlagValue(flag.Name, pflagValue{flag})
		}
	})
	return
}

// BindFlagValue binds a specific key to a FlagValue.
func (s *Store) BindFlagValue(key string, flag FlagValue) error {
	if flag == nil {
		return fmt.Errorf("flag for %q is nil", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pflags[s.casing(key)] = flag
	s.invalidateCache()
	return nil
}

func (s *Store) flagBindings2configMap() map[string]interface{} {
	result := make(map[string]interface{})
	for b, flag := range s.pflags {
		if !flag.ExplicitlyGiven() {
			continue
		}
		var val interface{}
		switch flag.ValueType() {
		case "int", "int8", "int16", "int32", "int64":
			val = cast.ToInt(flag.ValueString())
		case "bool":
			val = cast.ToBool(flag.ValueString())
		case "duration":
			val = cast.ToDuration(flag.ValueString())
		case "stringSlice", "stringArray":
			s := strings.TrimSuffix(strings.TrimPrefix(flag.ValueString(), "["), "]")
			val, _ = readAsCSV(s)
		case "intSlice":
			s := strings.TrimSuffix(strings.TrimPrefix(flag.ValueString(), "["), "]")
			res, _ := readAsCSV(s)
			val = cast.ToIntSlice(res)
		case "stringToString":
			val = stringToStringConv(flag.ValueString())
		default:
			val = flag.ValueString()
		}
		setKeyInMap(result, strings.Split(b, s.keyDelim), val)
	}
	return result
}

package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/ieure/tillicum/listeners"
)

// A DecoderConfigOption can be passed to Unmarshal to configure
// mapstructure.DecoderConfig options
type DecoderConfigOption func(*mapstructure.DecoderConfig)

// DecodeHook returns a DecoderConfigOption which overrides the default
// DecoderConfig.DecodeHook value.
func DecodeHook(hook mapstructure.DecodeHookFunc) DecoderConfigOption {
	return func(c *mapstructure.DecoderConfig) {
		c.DecodeHook = hook
	}
}

// ErrorUnused makes decoding fail on keys with no destination.
func ErrorUnused() DecoderConfigOption {
	return func(c *mapstructure.DecoderConfig) {
		c.ErrorUnused = true
	}
}

// defaultDecoderConfig returns default mapsstructure.DecoderConfig with support
// of time.Duration values, string slices and listener specs.
func defaultDecoderConfig(output interface{}, opts ...DecoderConfigOption) *mapstructure.DecoderConfig {
	c := &mapstructure.DecoderConfig{
		Result:           output,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			StringToListenerSpecHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func decode(input interface{}, config *mapstructure.DecoderConfig) error {
	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// UnmarshalKey takes a single key and unmarshals it into a Struct.
func (s *Store) UnmarshalKey(key string, rawVal interface{}, opts ...DecoderConfigOption) error {
	return decode(s.Get(key), defaultDecoderConfig(rawVal, opts...))
}

// Unmarshal the merged configuration into a Struct.
func (s *Store) Unmarshal(rawVal interface{}, opts ...DecoderConfigOption) error {
	return decode(s.Config(), defaultDecoderConfig(rawVal, opts...))
}

var specType = reflect.TypeOf(listeners.Spec{})

// StringToListenerSpecHookFunc decodes "name=net:addr", "net:addr" or a
// bare TCP "addr" into a listeners.Spec. A comma separated string decodes
// into a slice of them.
func StringToListenerSpecHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		str := data.(string)
		switch {
		case t == specType:
			return ParseListenerSpec(str)
		case t.Kind() == reflect.Slice && t.Elem() == specType:
			var specs []listeners.Spec
			for _, part := range strings.Split(str, ",") {
				if part = strings.TrimSpace(part); part == "" {
					continue
				}
				spec, err := ParseListenerSpec(part)
				if err != nil {
					return nil, err
				}
				specs = append(specs, spec)
			}
			return specs, nil
		}
		return data, nil
	}
}

// ParseListenerSpec parses "name=net:addr". Name and net are optional, net
// defaulting to tcp.
func ParseListenerSpec(s string) (listeners.Spec, error) {
	var spec listeners.Spec
	if i := strings.Index(s, "="); i >= 0 {
		spec.Name, s = s[:i], s[i+1:]
	}
	spec.Net = "tcp"
	if i := strings.Index(s, ":"); i > 0 {
		switch n := s[:i]; n {
		case "tcp", "tcp4", "tcp6", "udp", "udp4", "udp6", "unix", "unixgram", "unixpacket":
			spec.Net, s = n, s[i+1:]
		}
	}
	spec.Addr = s
	if spec.Addr == "" {
		return spec, fmt.Errorf("listener %q: no address", spec.Name)
	}
	return spec, nil
}

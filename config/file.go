package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v2"
)

// ConfigParseError denotes failing to parse configuration file.
type ConfigParseError struct {
	err error
}

// Error returns the formatted configuration error.
func (pe ConfigParseError) Error() string {
	return fmt.Sprintf("While parsing config: %s", pe.err.Error())
}

func (pe ConfigParseError) Unwrap() error { return pe.err }

type inMem struct {
	values map[string]interface{}
}

func (c *inMem) Values() map[string]interface{} {
	return deepCopyMap(c.values, false)
}

// File is a config file source.
type File struct {
	filetype string
	filename string
	values   map[string]interface{}
}

func (c *File) Values() map[string]interface{} {
	return deepCopyMap(c.values, false)
}

// Load reads and parses the file.
func (c *File) Load() error {
	vals, err := c.read()
	if err != nil {
		return err
	}
	c.set(vals)
	return nil
}

func (c *File) read() (map[string]interface{}, error) {
	data, err := os.ReadFile(c.filename)
	if err != nil {
		return nil, err
	}
	config := make(map[string]interface{})
	if err = unmarshalReader(c.filetype, bytes.NewReader(data), config); err != nil {
		return nil, fmt.Errorf("%s: %w", c.filename, err)
	}
	return config, nil
}

func (c *File) set(vals map[string]interface{}) {
	c.values = vals
}

func formatOf(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

func unmarshalReader(format string, in io.Reader, c map[string]interface{}) error {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(in); err != nil {
		return err
	}

	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(buf.Bytes(), &c); err != nil {
			return ConfigParseError{err}
		}
	case "json":
		data := buf.Bytes()
		filterComments(data)
		if err := json.Unmarshal(data, &c); err != nil {
			if syntax, ok := err.(*json.SyntaxError); ok {
				err = fmtSyntaxError(data, syntax)
			}
			return ConfigParseError{err}
		}
	case "toml":
		tree, err := toml.LoadBytes(buf.Bytes())
		if err != nil {
			return ConfigParseError{err}
		}
		for k, v := range tree.ToMap() {
			c[k] = v
		}
	default:
		return ConfigParseError{fmt.Errorf("unknown format %q", format)}
	}
	return nil
}

// SyntaxError is an extension of encoding/json.SyntaxError but with an error text
// with a better description of the position in the input data (marker and line)
type SyntaxError struct {
	Cause *json.SyntaxError
	help  string
}

func (e *SyntaxError) Error() string { return e.help }

// filterComments blanks out C++ style line comments outside JSON strings.
func filterComments(data []byte) {
	var inString, inComment bool
	for i := 0; i < len(data); i++ {
		c := data[i]
		if !inComment && c == '"' && (i == 0 || data[i-1] != '\\') {
			inString = !inString
		}
		if inString || i == 0 {
			continue
		}
		switch {
		case inComment && c == '\n':
			inComment = false
		case !inComment && c == '/' && data[i-1] == '/':
			inComment = true
			data[i] = ' '
			data[i-1] = ' '
		case inComment:
			data[i] = ' '
		}
	}
}

// Find out where a Syntax Error occurred in the JSON string
func fmtSyntaxError(js []byte, syntax *json.SyntaxError) error {
	start := bytes.LastIndex(js[:syntax.Offset], []byte{'\n'}) + 1
	line := bytes.Count(js[:start], []byte{'\n'}) + 1
	help := string(js[start:syntax.Offset]) + "<---"
	return &SyntaxError{
		Cause: syntax,
		help: fmt.Sprintf("%s (byte=%d line=%d): %s",
			syntax.Error(), syntax.Offset, line, help),
	}
}

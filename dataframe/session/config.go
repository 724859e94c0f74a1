package session

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultAppName is used when no application name is given.
const DefaultAppName = "playground"

// DefaultOptions returns a new copy of the default session options.
func DefaultOptions() map[string]string {
	return map[string]string{
		"spark.driver.allowMultipleContexts": "true",
		"spark.locality.wait":                "500ms",
		"spark.executor.memory":              "1g",
		"spark.driver.maxResultSize":         "32g",
		"spark.executor.instances":           "16",
		"spark.executor.cores":               "3",
		"spark.memory.fraction":              "0.2",
		"spark.sql.crossJoin.enabled":        "true",
	}
}

var keyReplacer = strings.NewReplacer("_", ".", "-", ".")

// NormalizeKey replaces "_" and "-" by ".", so "executor_memory" and "executor-memory"
// both become "executor.memory". Surrounding white space is trimmed first, so keys read from YAML files,
// environment variables or flags with stray spaces still match.
func NormalizeKey(key string) string {
	return keyReplacer.Replace(strings.TrimSpace(key))
}

// Config holds the application name and options used to create a Session.
// Option keys are always normalized (see NormalizeKey).
type Config struct {
	AppName string
	Options map[string]string
}

// NewConfig returns the DefaultOptions overridden by extra. Keys of extra are normalized.
// An empty appName is replaced by DefaultAppName.
func NewConfig(appName string, extra map[string]string) *Config {
	if appName == "" {
		appName = DefaultAppName
	}
	c := &Config{AppName: appName, Options: DefaultOptions()}
	for key, value := range extra {
		c.Set(key, value)
	}
	return c
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	options := make(map[string]string, len(c.Options))
	for key, value := range c.Options {
		options[key] = value
	}
	return &Config{AppName: c.AppName, Options: options}
}

// Set option key (normalized) to value. It returns c, so calls can be chained.
func (c *Config) Set(key, value string) *Config {
	if c.Options == nil {
		c.Options = make(map[string]string)
	}
	c.Options[NormalizeKey(key)] = value
	return c
}

// Unset removes the option key (normalized).
func (c *Config) Unset(key string) *Config {
	delete(c.Options, NormalizeKey(key))
	return c
}

// Get returns the value of the option key (normalized), and whether it is set.
func (c *Config) Get(key string) (string, bool) {
	value, found := c.Options[NormalizeKey(key)]
	return value, found
}

// Int returns the option key parsed as an integer, or defaultValue if it is not set.
func (c *Config) Int(key string, defaultValue int) (int, error) {
	value, found := c.Get(key)
	if !found {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue, errors.Wrapf(err, "option %q=%q is not an integer", NormalizeKey(key), value)
	}
	return n, nil
}

// Keys returns the sorted option keys.
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.Options))
	for key := range c.Options {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Args returns the configuration as command line arguments for a spark-submit like launcher:
// "--name", AppName, followed by one "--conf", "key=value" pair per option, sorted by key.
func (c *Config) Args() []string {
	args := make([]string, 0, 2+2*len(c.Options))
	args = append(args, "--name", c.AppName)
	for _, key := range c.Keys() {
		args = append(args, "--conf", key+"="+c.Options[key])
	}
	return args
}

// ApplyEnv overrides the configuration with environment variables starting with prefix+"_".
//
// PREFIX_APP_NAME sets the application name. Any other PREFIX_SOME_KEY=value sets option "some.key": the
// name is lower-cased and normalized. If it matches an existing option ignoring case, that option's
// spelling is kept, so PREFIX_SPARK_DRIVER_MAXRESULTSIZE sets "spark.driver.maxResultSize".
//
// environ is in the os.Environ format; if nil, os.Environ() is used.
func (c *Config) ApplyEnv(prefix string, environ []string) *Config {
	if environ == nil {
		environ = os.Environ()
	}
	prefix = strings.ToUpper(prefix) + "_"
	for _, entry := range environ {
		name, value, found := strings.Cut(entry, "=")
		if !found || !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
			continue
		}
		name = strings.ToLower(strings.TrimPrefix(name, prefix))
		if name == "app_name" {
			c.AppName = value
			continue
		}
		key := NormalizeKey(name)
		for existing := range c.Options {
			if strings.EqualFold(existing, key) {
				key = existing
				break
			}
		}
		c.Set(key, value)
	}
	return c
}

// fileConfig is the YAML representation of a Config.
type fileConfig struct {
	AppName string         `yaml:"app_name"`
	Options map[string]any `yaml:"options"`
}

// LoadConfig reads a YAML configuration file and layers it on top of the default options:
//
//	app_name: my_job
//	options:
//	  executor_memory: 4g          # same as spark.executor.memory if written "spark_executor_memory"
//	  spark.sql.crossJoin.enabled: false
//	  spark.locality.wait: null    # removes a default option
//
// Two spellings of the same option (e.g. "executor_memory" and "executor.memory") are an error.
func LoadConfig(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read session configuration %q", path)
	}
	return ParseConfig(content)
}

// ParseConfig is like LoadConfig, but takes the YAML content directly.
func ParseConfig(content []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(content, &fc); err != nil {
		return nil, errors.Wrap(err, "failed to parse session configuration")
	}
	c := NewConfig(fc.AppName, nil)
	spelling := make(map[string]string, len(fc.Options))
	for _, key := range slices.Sorted(maps.Keys(fc.Options)) {
		normalized := NormalizeKey(key)
		if previous, found := spelling[normalized]; found {
			return nil, errors.Errorf("session options %q and %q are the same option %q", previous, key, normalized)
		}
		spelling[normalized] = key
		value := fc.Options[key]
		if value == nil {
			c.Unset(key)
			continue
		}
		switch value.(type) {
		case map[string]any, []any:
			return nil, errors.Errorf("session option %q must be a scalar, got %T", key, value)
		}
		c.Set(key, fmt.Sprint(value))
	}
	return c, nil
}

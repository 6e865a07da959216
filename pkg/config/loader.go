package config

import (
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/moorhq/moor/pkg/errors"
)

// EnvPrefix is the prefix for environment overrides. A variable named
// MOOR_<CONNECTOR>_<KEY>=value overrides the connector's setting <key>,
// so credentials can stay out of settings files.
const EnvPrefix = "MOOR"

// FileConfig is the decoded shape of a moor settings file:
//
//	logLevel: info
//	defaults:
//	  metricsEnabled: true
//	connectors:
//	  warehouse:
//	    type: postgres
//	    settings:
//	      dsn: postgres://localhost:5432/app
//
// YAML and JSON load natively; .ini files from the legacy layout load
// through the same path. File keys are matched case-insensitively.
type FileConfig struct {
	LogLevel   string
	Connectors map[string]*Config
}

// Load reads a settings file, merges the defaults block into every
// connector section, applies environment overrides and validates each
// resulting Config.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, errors.KindConfiguration, "reading settings file %s", path)
	}

	var raw struct {
		LogLevel   string                            `mapstructure:"logLevel"`
		Defaults   map[string]interface{}            `mapstructure:"defaults"`
		Connectors map[string]map[string]interface{} `mapstructure:"connectors"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, errors.Wrapf(err, errors.KindConfiguration, "decoding settings file %s", path)
	}

	fc := &FileConfig{
		LogLevel:   raw.LogLevel,
		Connectors: make(map[string]*Config, len(raw.Connectors)),
	}

	for name, section := range raw.Connectors {
		merged := make(map[string]interface{}, len(raw.Defaults)+len(section))
		for k, val := range raw.Defaults {
			merged[k] = val
		}
		for k, val := range section {
			merged[k] = val
		}

		cfg, err := FromMap(merged)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindConfiguration, "connector %q", name)
		}
		cfg.Name = name
		ApplyEnvOverrides(name, cfg)

		if err := cfg.Validate(); err != nil {
			return nil, errors.Wrapf(err, errors.KindConfiguration, "connector %q", name)
		}
		fc.Connectors[name] = cfg
	}

	return fc, nil
}

// FromMap decodes a generic key-value map into a Config on top of the
// framework defaults. Durations accept either Go duration strings ("1.5s")
// or bare numbers of seconds, the form the legacy files used.
func FromMap(m map[string]interface{}) (*Config, error) {
	cfg := New()

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			secondsToDurationHook,
		),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "building config decoder")
	}
	if err := dec.Decode(m); err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "decoding config map")
	}

	return cfg, nil
}

// secondsToDurationHook converts bare numbers to durations in seconds when
// the target field is a time.Duration.
func secondsToDurationHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if t != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch f.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
	default:
		return data, nil
	}
}

// ApplyEnvOverrides copies MOOR_<NAME>_<KEY> environment variables into the
// connector's settings, lowercasing <KEY>.
func ApplyEnvOverrides(name string, cfg *Config) {
	prefix := EnvPrefix + "_" + envToken(name) + "_"
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 || !strings.HasPrefix(kv[:eq], prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(kv[:eq], prefix))
		if key == "" {
			continue
		}
		if cfg.Settings == nil {
			cfg.Settings = map[string]string{}
		}
		cfg.Settings[key] = kv[eq+1:]
	}
}

// envToken uppercases a connector name and replaces the characters that
// cannot appear in an environment variable name.
func envToken(name string) string {
	up := strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, up)
}

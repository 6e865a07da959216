// Package bootstrap turns a deployment manifest into live, connected
// connector instances. A manifest is strict YAML: unknown keys fail the
// load instead of being silently dropped, unlike the lax settings-file
// loader that still accepts the legacy layouts.
//
//	logLevel: info
//	defaults:
//	  retry:
//	    maxAttempts: 5
//	connectors:
//	  warehouse:
//	    type: postgres
//	    settings:
//	      dsn: postgres://localhost:5432/app
package bootstrap

import (
	"bytes"
	"context"
	"os"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/connector/registry"
	"github.com/moorhq/moor/pkg/errors"
	"github.com/moorhq/moor/pkg/logger"
)

// Manifest is a parsed, merged and validated deployment document.
type Manifest struct {
	LogLevel   string
	Connectors map[string]*config.Config
}

// manifestDoc is the raw YAML shape. Defaults and connector sections
// stay as nodes so both can be decoded onto the same Config, giving
// real merge semantics.
type manifestDoc struct {
	LogLevel   string               `yaml:"logLevel"`
	Defaults   yaml.Node            `yaml:"defaults"`
	Connectors map[string]yaml.Node `yaml:"connectors"`
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfiguration, "reading manifest %s", path)
	}
	return ParseManifest(data)
}

// ParseManifest parses manifest bytes. Each connector section is decoded
// on top of the defaults block, overridden by MOOR_<NAME>_<KEY>
// environment variables and validated.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc manifestDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "parsing manifest")
	}
	if len(doc.Connectors) == 0 {
		return nil, errors.New(errors.KindConfiguration, "manifest declares no connectors")
	}

	m := &Manifest{
		LogLevel:   doc.LogLevel,
		Connectors: make(map[string]*config.Config, len(doc.Connectors)),
	}

	for name, section := range doc.Connectors {
		cfg := config.New()
		if !doc.Defaults.IsZero() {
			if err := decodeStrict(&doc.Defaults, cfg); err != nil {
				return nil, errors.Wrap(err, errors.KindConfiguration, "manifest defaults")
			}
		}
		if err := decodeStrict(&section, cfg); err != nil {
			return nil, errors.Wrapf(err, errors.KindConfiguration, "connector %q", name)
		}

		if cfg.Type == "" {
			return nil, errors.Newf(errors.KindConfiguration, "connector %q has no type", name)
		}
		cfg.Name = name
		config.ApplyEnvOverrides(name, cfg)

		if err := cfg.Validate(); err != nil {
			return nil, errors.Wrapf(err, errors.KindConfiguration, "connector %q", name)
		}
		m.Connectors[name] = cfg
	}

	return m, nil
}

// decodeStrict re-decodes a node with unknown-field checking, which
// yaml.Node.Decode alone does not offer.
func decodeStrict(node *yaml.Node, out interface{}) error {
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(out)
}

// Names returns the manifest's instance names in stable order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Connectors))
	for name := range m.Connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Up creates and connects every instance the manifest declares, in name
// order. The first failure tears down everything brought up so far and
// is returned; a successful Up leaks nothing on later shutdown paths
// because all instances are tracked by the registry.
func Up(ctx context.Context, reg *registry.Registry, m *Manifest) ([]core.Connector, error) {
	log := logger.Get().With(zap.String("component", "bootstrap"))

	instances := make([]core.Connector, 0, len(m.Connectors))
	for _, name := range m.Names() {
		cfg := m.Connectors[name]

		instance, err := reg.CreateNamed(ctx, cfg.Type, name, cfg)
		if err != nil {
			reg.CleanupAll(ctx)
			return nil, err
		}

		if err := instance.ConnectWithRetry(ctx); err != nil {
			reg.CleanupAll(ctx)
			return nil, errors.Wrapf(err, errors.KindConnection, "bringing up connector %q", name)
		}

		log.Info("connector up",
			zap.String("instance", name),
			zap.String("type", cfg.Type))
		instances = append(instances, instance)
	}

	return instances, nil
}

// Down disconnects every instance tracked by the registry.
func Down(ctx context.Context, reg *registry.Registry) {
	reg.CleanupAll(ctx)
}

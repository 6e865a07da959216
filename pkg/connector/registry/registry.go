// Package registry maintains the two tables that make connectors
// pluggable: registered connector types (keyed by type key, e.g.
// "postgres") and live named instances. Adapters register themselves
// from init(), so importing an adapter package is all it takes to make
// its type available.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/errors"
	"github.com/moorhq/moor/pkg/logger"
)

// Factory builds an unconnected connector instance from a configuration.
// The registry hands each factory its own clone of the caller's config.
type Factory func(cfg *config.Config) (core.Connector, error)

// Descriptor describes one registered connector type.
type Descriptor struct {
	// New builds instances of the type. Required.
	New Factory
	// Label names the implementation for listings, e.g.
	// "postgres.Connector". Defaults to the type key.
	Label string
}

// Registry maps type keys to factories and instance names to live
// connectors. One lock guards both tables so a type and its same-named
// instance can never be observed half-removed; factories and
// disconnects run outside the lock.
type Registry struct {
	mu        sync.RWMutex
	types     map[string]Descriptor
	instances map[string]core.Connector
	logger    *zap.Logger
}

// New creates an empty registry. Most callers want Default instead;
// fresh registries exist so tests and embedders can stay isolated.
func New() *Registry {
	return &Registry{
		types:     make(map[string]Descriptor),
		instances: make(map[string]core.Connector),
		logger:    logger.Get().With(zap.String("component", "registry")),
	}
}

// Register adds a connector type under typeKey. Registering an
// already-known key overwrites the previous descriptor with a warning,
// so a program can deliberately swap an implementation.
func (r *Registry) Register(typeKey string, desc Descriptor) error {
	if typeKey == "" {
		return errors.New(errors.KindConfiguration, "connector type key must not be empty")
	}
	if desc.New == nil {
		return errors.Newf(errors.KindConfiguration, "connector type %q has a nil factory", typeKey)
	}
	if desc.Label == "" {
		desc.Label = typeKey
	}

	r.mu.Lock()
	_, replaced := r.types[typeKey]
	r.types[typeKey] = desc
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("connector type re-registered, previous factory replaced",
			zap.String("type", typeKey),
			zap.String("label", desc.Label))
	} else {
		r.logger.Debug("connector type registered",
			zap.String("type", typeKey),
			zap.String("label", desc.Label))
	}
	return nil
}

// Unregister removes a connector type. A live instance carrying the
// same name as the type key is disconnected and discarded along with
// it. Unknown keys are ignored.
func (r *Registry) Unregister(ctx context.Context, typeKey string) {
	r.mu.Lock()
	_, known := r.types[typeKey]
	delete(r.types, typeKey)
	orphan := r.instances[typeKey]
	delete(r.instances, typeKey)
	r.mu.Unlock()

	if !known && orphan == nil {
		return
	}
	if orphan != nil {
		if err := orphan.Disconnect(ctx); err != nil {
			r.logger.Warn("failed to disconnect instance during unregister",
				zap.String("type", typeKey),
				zap.Error(err))
		}
	}
	r.logger.Info("connector type unregistered", zap.String("type", typeKey))
}

// HasType reports whether typeKey is registered.
func (r *Registry) HasType(typeKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeKey]
	return ok
}

// Create builds an anonymous instance of typeKey. The instance is not
// tracked by the registry; the caller owns its lifecycle.
func (r *Registry) Create(typeKey string, cfg *config.Config) (core.Connector, error) {
	return r.build(typeKey, "", cfg)
}

// CreateNamed builds an instance of typeKey and tracks it under
// instanceName. When the name is already taken the previous instance
// is disconnected and replaced.
func (r *Registry) CreateNamed(ctx context.Context, typeKey, instanceName string, cfg *config.Config) (core.Connector, error) {
	if instanceName == "" {
		return nil, errors.New(errors.KindConfiguration, "instance name must not be empty")
	}

	instance, err := r.build(typeKey, instanceName, cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	displaced := r.instances[instanceName]
	r.instances[instanceName] = instance
	r.mu.Unlock()

	if displaced != nil {
		r.logger.Warn("instance name reused, replacing previous instance",
			zap.String("instance", instanceName),
			zap.String("previous_type", displaced.Type()))
		if err := displaced.Disconnect(ctx); err != nil {
			r.logger.Warn("failed to disconnect replaced instance",
				zap.String("instance", instanceName),
				zap.Error(err))
		}
	}

	r.logger.Debug("connector instance created",
		zap.String("instance", instanceName),
		zap.String("type", typeKey))
	return instance, nil
}

// build resolves the factory and runs it outside the lock.
func (r *Registry) build(typeKey, instanceName string, cfg *config.Config) (core.Connector, error) {
	r.mu.RLock()
	desc, ok := r.types[typeKey]
	var known []string
	if !ok {
		known = r.typeKeysLocked()
	}
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.KindConfiguration,
			"unknown connector type %q (available: %s)", typeKey, joinOrNone(known))
	}

	if cfg == nil {
		cfg = config.New()
	} else {
		cfg = cfg.Clone()
	}
	cfg.Type = typeKey
	if instanceName != "" {
		cfg.Name = instanceName
	} else if cfg.Name == "" {
		cfg.Name = typeKey
	}

	instance, err := desc.New(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfiguration,
			"failed to create connector of type %q", typeKey)
	}
	return instance, nil
}

// Get returns the live instance registered under instanceName.
func (r *Registry) Get(instanceName string) (core.Connector, error) {
	r.mu.RLock()
	instance, ok := r.instances[instanceName]
	var known []string
	if !ok {
		known = r.instanceNamesLocked()
	}
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.KindConfiguration,
			"no connector instance named %q (instances: %s)", instanceName, joinOrNone(known))
	}
	return instance, nil
}

// ListTypes returns the registered type keys mapped to their
// implementation labels.
func (r *Registry) ListTypes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.types))
	for key, desc := range r.types {
		out[key] = desc.Label
	}
	return out
}

// ListInstances returns the live instance names mapped to their type
// keys.
func (r *Registry) ListInstances() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.instances))
	for name, instance := range r.instances {
		out[name] = instance.Type()
	}
	return out
}

// CleanupAll disconnects every tracked instance and empties the
// instance table. Disconnect failures are logged, never fatal, so one
// wedged connector cannot strand the rest.
func (r *Registry) CleanupAll(ctx context.Context) {
	r.mu.Lock()
	instances := r.instances
	r.instances = make(map[string]core.Connector)
	r.mu.Unlock()

	for name, instance := range instances {
		if err := instance.Disconnect(ctx); err != nil {
			r.logger.Warn("failed to disconnect instance during cleanup",
				zap.String("instance", name),
				zap.Error(err))
		}
	}
	if len(instances) > 0 {
		r.logger.Info("cleaned up connector instances", zap.Int("count", len(instances)))
	}
}

func (r *Registry) typeKeysLocked() []string {
	keys := make([]string, 0, len(r.types))
	for key := range r.types {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) instanceNamesLocked() []string {
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func joinOrNone(keys []string) string {
	if len(keys) == 0 {
		return "none"
	}
	return strings.Join(keys, ", ")
}

// Default registry shared by the whole process. Adapter init()s
// register into it.
var defaultRegistry = New()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a connector type to the default registry.
func Register(typeKey string, desc Descriptor) error {
	return defaultRegistry.Register(typeKey, desc)
}

// Unregister removes a connector type from the default registry.
func Unregister(ctx context.Context, typeKey string) {
	defaultRegistry.Unregister(ctx, typeKey)
}

// CreateConnector builds an anonymous instance from the default
// registry.
func CreateConnector(typeKey string, cfg *config.Config) (core.Connector, error) {
	return defaultRegistry.Create(typeKey, cfg)
}

// GetConnector returns a live instance from the default registry.
func GetConnector(instanceName string) (core.Connector, error) {
	return defaultRegistry.Get(instanceName)
}

// ListAvailableConnectors returns the default registry's type keys
// mapped to implementation labels.
func ListAvailableConnectors() map[string]string {
	return defaultRegistry.ListTypes()
}

// CleanupAll disconnects every instance tracked by the default
// registry.
func CleanupAll(ctx context.Context) {
	defaultRegistry.CleanupAll(ctx)
}

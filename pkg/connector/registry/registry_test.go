package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/connector/base"
	"github.com/moorhq/moor/pkg/connector/core"
	"github.com/moorhq/moor/pkg/errors"
)

// stubTransport is a transport that always succeeds and counts teardowns.
type stubTransport struct {
	mu      sync.Mutex
	dials   int
	hangups int
}

func (s *stubTransport) Dial(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	return nil
}

func (s *stubTransport) Hangup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangups++
	return nil
}

func (s *stubTransport) Probe(context.Context) error { return nil }

func (s *stubTransport) hangupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hangups
}

// stubFactory builds stub connectors and remembers each instance's
// transport so tests can observe disconnects.
type stubFactory struct {
	mu         sync.Mutex
	transports []*stubTransport
}

func (f *stubFactory) descriptor() Descriptor {
	return Descriptor{
		New: func(cfg *config.Config) (core.Connector, error) {
			tr := &stubTransport{}
			f.mu.Lock()
			f.transports = append(f.transports, tr)
			f.mu.Unlock()
			return base.New(cfg, tr)
		},
		Label: "registry.stub",
	}
}

func (f *stubFactory) transport(i int) *stubTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[i]
}

func TestRegisterAndCreate(t *testing.T) {
	r := New()
	f := &stubFactory{}
	require.NoError(t, r.Register("stub", f.descriptor()))
	assert.True(t, r.HasType("stub"))

	c, err := r.Create("stub", nil)
	require.NoError(t, err)
	assert.Equal(t, "stub", c.Type())
	assert.Equal(t, "stub", c.Name())

	// Anonymous instances are not tracked.
	assert.Empty(t, r.ListInstances())
}

func TestRegisterRejectsBadDescriptors(t *testing.T) {
	r := New()

	err := r.Register("", Descriptor{New: func(*config.Config) (core.Connector, error) { return nil, nil }})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))

	err = r.Register("stub", Descriptor{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
	assert.False(t, r.HasType("stub"))
}

func TestRegisterOverwritesExistingType(t *testing.T) {
	r := New()
	f := &stubFactory{}

	first := f.descriptor()
	first.Label = "registry.first"
	require.NoError(t, r.Register("stub", first))

	second := f.descriptor()
	second.Label = "registry.second"
	require.NoError(t, r.Register("stub", second))

	assert.Equal(t, map[string]string{"stub": "registry.second"}, r.ListTypes())
}

func TestCreateUnknownTypeListsKnownKeys(t *testing.T) {
	r := New()
	f := &stubFactory{}
	require.NoError(t, r.Register("postgres", f.descriptor()))
	require.NoError(t, r.Register("s3", f.descriptor()))

	_, err := r.Create("mysql", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
	assert.Contains(t, err.Error(), `unknown connector type "mysql"`)
	assert.Contains(t, err.Error(), "postgres, s3")
}

func TestCreateClonesConfig(t *testing.T) {
	r := New()
	f := &stubFactory{}
	require.NoError(t, r.Register("stub", f.descriptor()))

	cfg := config.New()
	cfg.Settings["dsn"] = "original"

	c, err := r.Create("stub", cfg)
	require.NoError(t, err)
	assert.Equal(t, "stub", c.Config().Type)

	// The instance owns its own copy.
	c.Config().Settings["dsn"] = "mutated"
	assert.Equal(t, "original", cfg.Settings["dsn"])
	assert.Empty(t, cfg.Type)
}

func TestCreateNilConfigGetsDefaults(t *testing.T) {
	r := New()
	f := &stubFactory{}
	require.NoError(t, r.Register("stub", f.descriptor()))

	c, err := r.Create("stub", nil)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultTimeout, c.Config().Timeout)
	assert.True(t, c.Config().MetricsEnabled)
}

func TestCreateWrapsFactoryFailure(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("broken", Descriptor{
		New: func(*config.Config) (core.Connector, error) {
			return nil, fmt.Errorf("no dsn")
		},
	}))

	_, err := r.Create("broken", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
	assert.Contains(t, err.Error(), `failed to create connector of type "broken"`)
}

func TestCreateNamedTracksInstance(t *testing.T) {
	r := New()
	f := &stubFactory{}
	require.NoError(t, r.Register("stub", f.descriptor()))
	ctx := context.Background()

	created, err := r.CreateNamed(ctx, "stub", "primary", nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", created.Name())

	got, err := r.Get("primary")
	require.NoError(t, err)
	assert.Same(t, created, got)

	assert.Equal(t, map[string]string{"primary": "stub"}, r.ListInstances())
}

func TestCreateNamedRequiresName(t *testing.T) {
	r := New()
	f := &stubFactory{}
	require.NoError(t, r.Register("stub", f.descriptor()))

	_, err := r.CreateNamed(context.Background(), "stub", "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
}

func TestCreateNamedReplacesAndDisconnects(t *testing.T) {
	r := New()
	f := &stubFactory{}
	require.NoError(t, r.Register("stub", f.descriptor()))
	ctx := context.Background()

	old, err := r.CreateNamed(ctx, "stub", "primary", nil)
	require.NoError(t, err)
	require.NoError(t, old.Connect(ctx))

	fresh, err := r.CreateNamed(ctx, "stub", "primary", nil)
	require.NoError(t, err)
	require.NotSame(t, old, fresh)

	// The displaced instance was released.
	assert.Equal(t, 1, f.transport(0).hangupCount())
	assert.False(t, old.IsConnected())

	got, err := r.Get("primary")
	require.NoError(t, err)
	assert.Same(t, fresh, got)
}

func TestGetUnknownInstanceListsKnownNames(t *testing.T) {
	r := New()
	f := &stubFactory{}
	require.NoError(t, r.Register("stub", f.descriptor()))
	ctx := context.Background()

	_, err := r.CreateNamed(ctx, "stub", "alpha", nil)
	require.NoError(t, err)
	_, err = r.CreateNamed(ctx, "stub", "beta", nil)
	require.NoError(t, err)

	_, err = r.Get("gamma")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
	assert.Contains(t, err.Error(), `no connector instance named "gamma"`)
	assert.Contains(t, err.Error(), "alpha, beta")
}

func TestGetFromEmptyRegistry(t *testing.T) {
	r := New()
	_, err := r.Get("anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instances: none")
}

func TestUnregisterDisconnectsSameNamedInstance(t *testing.T) {
	r := New()
	f := &stubFactory{}
	require.NoError(t, r.Register("stub", f.descriptor()))
	ctx := context.Background()

	c, err := r.CreateNamed(ctx, "stub", "stub", nil)
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))

	r.Unregister(ctx, "stub")

	assert.False(t, r.HasType("stub"))
	assert.False(t, c.IsConnected())
	assert.Equal(t, 1, f.transport(0).hangupCount())

	_, err = r.Get("stub")
	require.Error(t, err)
}

func TestUnregisterUnknownTypeIsNoop(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() { r.Unregister(context.Background(), "ghost") })
}

func TestUnregisterLeavesOtherInstancesAlone(t *testing.T) {
	r := New()
	f := &stubFactory{}
	require.NoError(t, r.Register("stub", f.descriptor()))
	ctx := context.Background()

	other, err := r.CreateNamed(ctx, "stub", "other", nil)
	require.NoError(t, err)
	require.NoError(t, other.Connect(ctx))

	r.Unregister(ctx, "stub")

	got, err := r.Get("other")
	require.NoError(t, err)
	assert.True(t, got.IsConnected())
}

func TestCleanupAllDisconnectsEverything(t *testing.T) {
	r := New()
	f := &stubFactory{}
	require.NoError(t, r.Register("stub", f.descriptor()))
	ctx := context.Background()

	a, err := r.CreateNamed(ctx, "stub", "a", nil)
	require.NoError(t, err)
	require.NoError(t, a.Connect(ctx))

	b, err := r.CreateNamed(ctx, "stub", "b", nil)
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))

	r.CleanupAll(ctx)

	assert.False(t, a.IsConnected())
	assert.False(t, b.IsConnected())
	assert.Empty(t, r.ListInstances())
	assert.Equal(t, 1, f.transport(0).hangupCount())
	assert.Equal(t, 1, f.transport(1).hangupCount())

	// The type table survives cleanup.
	assert.True(t, r.HasType("stub"))
	assert.NotPanics(t, func() { r.CleanupAll(ctx) })
}

func TestDefaultRegistryFreeFunctions(t *testing.T) {
	f := &stubFactory{}
	require.NoError(t, Register("registry-test-stub", f.descriptor()))
	defer Unregister(context.Background(), "registry-test-stub")

	types := ListAvailableConnectors()
	assert.Equal(t, "registry.stub", types["registry-test-stub"])

	c, err := CreateConnector("registry-test-stub", nil)
	require.NoError(t, err)
	assert.Equal(t, "registry-test-stub", c.Type())

	_, err = GetConnector("registry-test-missing")
	require.Error(t, err)

	assert.Same(t, Default(), Default())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := New()
	f := &stubFactory{}
	require.NoError(t, r.Register("stub", f.descriptor()))
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				name := fmt.Sprintf("inst-%d-%d", g, i)
				if _, err := r.CreateNamed(ctx, "stub", name, nil); err != nil {
					t.Error(err)
					return
				}
				if _, err := r.Get(name); err != nil {
					t.Error(err)
					return
				}
				r.ListTypes()
				r.ListInstances()
			}
		}(g)
	}
	wg.Wait()

	assert.Len(t, r.ListInstances(), 8*25)

	done := make(chan struct{})
	go func() {
		r.CleanupAll(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("CleanupAll deadlocked")
	}
	assert.Empty(t, r.ListInstances())
}

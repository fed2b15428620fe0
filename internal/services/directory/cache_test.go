package directory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherfan/internal/domain"
	"cipherfan/internal/services/directory"
	"cipherfan/internal/telemetry/metric"
	fakes "cipherfan/internal/testutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func register(t *testing.T, dir *fakes.Directory, user domain.UserID, devices ...domain.DeviceID) {
	t.Helper()
	for _, d := range devices {
		require.NoError(t, dir.PublishKeyBundle(context.Background(), domain.PublishedBundle{UserID: user, DeviceID: d}))
	}
}

func TestCacheServesWithinTTL(t *testing.T) {
	ctx := context.Background()
	dir := fakes.NewDirectory()
	register(t, dir, "bob", 1, 2)
	clk := &clock{now: time.Unix(1000, 0)}
	reg := metric.NewRegistry()
	c := directory.New(dir, directory.WithClock(clk.Now), directory.WithMetrics(reg))

	devs, err := c.ResolveDevices(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, devs, 2)

	clk.Advance(directory.DefaultTTL - time.Second)
	_, err = c.ResolveDevices(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, dir.DeviceQueries("bob"))

	// Expired entries are never served.
	register(t, dir, "bob", 3)
	clk.Advance(time.Second)
	devs, err = c.ResolveDevices(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, devs, 3)
	assert.Equal(t, 2, dir.DeviceQueries("bob"))

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.DeviceCacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.DeviceCacheLookups.WithLabelValues("miss")))
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	dir := fakes.NewDirectory()
	register(t, dir, "bob", 1)
	register(t, dir, "carol", 1)
	c := directory.New(dir)

	for _, u := range []domain.UserID{"bob", "carol"} {
		_, err := c.ResolveDevices(ctx, u)
		require.NoError(t, err)
	}

	c.Invalidate("bob")
	_, err := c.ResolveDevices(ctx, "bob")
	require.NoError(t, err)
	_, err = c.ResolveDevices(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 2, dir.DeviceQueries("bob"))
	assert.Equal(t, 1, dir.DeviceQueries("carol"))

	c.InvalidateAll()
	for _, u := range []domain.UserID{"bob", "carol"} {
		_, err := c.ResolveDevices(ctx, u)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, dir.DeviceQueries("bob"))
	assert.Equal(t, 2, dir.DeviceQueries("carol"))
}

func TestResolveManyIsolatesFailures(t *testing.T) {
	dir := fakes.NewDirectory()
	register(t, dir, "bob", 1, 2)
	register(t, dir, "carol", 1)
	register(t, dir, "dave", 4)
	dir.FailDevices("carol")
	c := directory.New(dir)

	res := c.ResolveMany(context.Background(), []domain.UserID{"bob", "carol", "dave"})
	require.Len(t, res, 3)
	assert.Len(t, res[0].Devices, 2)
	assert.NoError(t, res[0].Err)
	assert.Empty(t, res[1].Devices)
	assert.Error(t, res[1].Err)
	assert.Len(t, res[2].Devices, 1)
	assert.NoError(t, res[2].Err)

	// Failures are not cached.
	_, err := c.ResolveDevices(context.Background(), "carol")
	assert.Error(t, err)
	assert.Equal(t, 2, dir.DeviceQueries("carol"))
}

func TestResolvedListIsACopy(t *testing.T) {
	dir := fakes.NewDirectory()
	register(t, dir, "bob", 1)
	c := directory.New(dir)

	devs, err := c.ResolveDevices(context.Background(), "bob")
	require.NoError(t, err)
	devs[0].DeviceID = 99

	again, err := c.ResolveDevices(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceID(1), again[0].DeviceID)
}

// heldDirectory blocks ListDevices for one user until release is closed.
type heldDirectory struct {
	*fakes.Directory
	user    domain.UserID
	entered chan struct{}
	release chan struct{}
}

func (d *heldDirectory) ListDevices(ctx context.Context, user domain.UserID) ([]domain.DeviceDescriptor, error) {
	if user == d.user {
		d.entered <- struct{}{}
		<-d.release
	}
	return d.Directory.ListDevices(ctx, user)
}

func TestInvalidateOnlyDiscardsThatUsersInflightLookup(t *testing.T) {
	for _, tc := range []struct {
		name        string
		invalidate  domain.UserID
		wantQueries int
	}{
		{name: "other user", invalidate: "bob", wantQueries: 1},
		{name: "same user", invalidate: "carol", wantQueries: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			base := fakes.NewDirectory()
			register(t, base, "bob", 1)
			register(t, base, "carol", 1)
			dir := &heldDirectory{Directory: base, user: "carol", entered: make(chan struct{}), release: make(chan struct{})}
			c := directory.New(dir)

			done := make(chan error, 1)
			go func() {
				_, err := c.ResolveDevices(ctx, "carol")
				done <- err
			}()
			<-dir.entered
			c.Invalidate(tc.invalidate)
			dir.user = ""
			close(dir.release)
			require.NoError(t, <-done)

			_, err := c.ResolveDevices(ctx, "carol")
			require.NoError(t, err)
			assert.Equal(t, tc.wantQueries, base.DeviceQueries("carol"))
		})
	}
}

package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/strmgate/strmgate/internal/credfile"
	"github.com/strmgate/strmgate/internal/upstream"
	"github.com/strmgate/strmgate/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPool(t *testing.T) (*Pool, *credfile.Store, *int) {
	t.Helper()

	creds := credfile.NewStore(t.TempDir())

	var factoryCalls int

	p := New(creds, func(_, _ string) *upstream.Client {
		factoryCalls++
		return upstream.NewClient("http://unused.example.com", upstream.Options{}, testLogger())
	}, testLogger())

	return p, creds, &factoryCalls
}

func saveCred(t *testing.T, creds *credfile.Store, driveID string) {
	t.Helper()

	require.NoError(t, creds.Save(driveID, &credfile.Credential{
		Kind:  credfile.KindOpen,
		Token: &oauth2.Token{AccessToken: "tok"},
	}))
}

func TestAcquire_NoCredential(t *testing.T) {
	p, _, _ := testPool(t)

	_, err := p.Acquire(context.Background(), "open_1", credfile.KindOpen)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestAcquire_CreatesOnceAndShares(t *testing.T) {
	p, creds, factoryCalls := testPool(t)
	saveCred(t, creds, "open_1")

	first, err := p.Acquire(context.Background(), "open_1", credfile.KindOpen)
	require.NoError(t, err)
	require.NotNil(t, first.Client)
	assert.Equal(t, "open_1", first.DriveID)

	second, err := p.Acquire(context.Background(), "open_1", credfile.KindOpen)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, *factoryCalls)
}

func TestAcquire_ConcurrentFirstAcquire(t *testing.T) {
	p, creds, factoryCalls := testPool(t)
	saveCred(t, creds, "open_1")

	var wg sync.WaitGroup

	entries := make([]*Entry, 8)

	for i := range entries {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			e, err := p.Acquire(context.Background(), "open_1", credfile.KindOpen)
			assert.NoError(t, err)
			entries[i] = e
		}(i)
	}

	wg.Wait()

	for _, e := range entries {
		assert.Same(t, entries[0], e)
	}

	assert.Equal(t, 1, *factoryCalls)
}

func TestInvalidate_RemovesEntryAndCredential(t *testing.T) {
	p, creds, _ := testPool(t)
	saveCred(t, creds, "open_1")

	_, err := p.Acquire(context.Background(), "open_1", credfile.KindOpen)
	require.NoError(t, err)

	require.NoError(t, p.Invalidate("open_1"))
	assert.False(t, creds.Present("open_1"))

	_, err = p.Acquire(context.Background(), "open_1", credfile.KindOpen)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestEvict_KeepsCredentialFile(t *testing.T) {
	p, creds, factoryCalls := testPool(t)
	saveCred(t, creds, "open_1")

	_, err := p.Acquire(context.Background(), "open_1", credfile.KindOpen)
	require.NoError(t, err)

	p.Evict("open_1")
	assert.True(t, creds.Present("open_1"))

	// Next acquire reloads from disk.
	_, err = p.Acquire(context.Background(), "open_1", credfile.KindOpen)
	require.NoError(t, err)
	assert.Equal(t, 2, *factoryCalls)
}

func TestAcquire_RefreshesExpiredCredential(t *testing.T) {
	fake := testutil.NewFakeUpstream()
	t.Cleanup(fake.Close)

	creds := credfile.NewStore(t.TempDir())
	require.NoError(t, creds.Save("open_1", &credfile.Credential{
		Kind: credfile.KindOpen,
		Token: &oauth2.Token{
			AccessToken:  "stale",
			RefreshToken: "fake-refresh",
			Expiry:       time.Now().Add(-time.Hour),
		},
	}))

	p := New(creds, func(_, _ string) *upstream.Client {
		return upstream.NewClient(fake.URL(), upstream.Options{RequestsPerSecond: 1000}, testLogger())
	}, testLogger())

	entry, err := p.Acquire(context.Background(), "open_1", credfile.KindOpen)
	require.NoError(t, err)
	require.NotNil(t, entry.Credential.Token)
	assert.Equal(t, "fake-access-2", entry.Credential.Token.AccessToken)
	assert.Equal(t, "fake-refresh-2", entry.Credential.Token.RefreshToken)

	// The refreshed credential reaches disk so a restart does not replay
	// the stale one.
	onDisk, err := creds.Load("open_1")
	require.NoError(t, err)
	require.NotNil(t, onDisk.Token)
	assert.Equal(t, "fake-access-2", onDisk.Token.AccessToken)

	// The fresh token passes straight through on the next acquire.
	_, err = p.Acquire(context.Background(), "open_1", credfile.KindOpen)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.CallCount("/open/token/refresh"))
}

func TestRefresh_UpdatesLiveEntry(t *testing.T) {
	p, creds, _ := testPool(t)
	saveCred(t, creds, "open_1")

	entry, err := p.Acquire(context.Background(), "open_1", credfile.KindOpen)
	require.NoError(t, err)

	fresh := &credfile.Credential{
		Kind:  credfile.KindOpen,
		Token: &oauth2.Token{AccessToken: "new-tok"},
	}
	p.Refresh("open_1", fresh)

	assert.Equal(t, "new-tok", entry.Credential.Token.AccessToken)
}

func TestHandleUnauth(t *testing.T) {
	p, creds, _ := testPool(t)
	saveCred(t, creds, "open_1")

	_, err := p.Acquire(context.Background(), "open_1", credfile.KindOpen)
	require.NoError(t, err)

	unauthErr := &upstream.Error{Code: 40140125, Message: "expired", Err: upstream.ErrUnauthorized}
	assert.True(t, p.HandleUnauth("open_1", unauthErr))
	assert.False(t, creds.Present("open_1"))

	assert.False(t, p.HandleUnauth("open_1", errors.New("unrelated")))
	assert.False(t, p.HandleUnauth("open_1", nil))
}

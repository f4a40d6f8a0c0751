package salesforce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ternarybob/conexus/internal/common"
	"github.com/ternarybob/conexus/internal/models"
)

// fakeTokenSource counts how often the pool reaches for a fresh token.
type fakeTokenSource struct {
	mu    sync.Mutex
	calls int
	token *oauth2.Token
	err   error
}

func (f *fakeTokenSource) Token() (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func (f *fakeTokenSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testCreds(org, user string) Credentials {
	return Credentials{
		InstanceURL: "https://example.my.salesforce.com",
		OrgID:       org,
		UserID:      user,
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-" + org}),
	}
}

func TestPoolReusesConnectionPerOrgUser(t *testing.T) {
	pool := NewPool(ClientOptions{APIVersion: "v62.0"}, 5*time.Minute, 4, common.GetLogger())

	first := pool.Acquire(testCreds("00Dorg1", "005usr1"))
	second := pool.Acquire(testCreds("00Dorg1", "005usr1"))
	other := pool.Acquire(testCreds("00Dorg1", "005usr2"))

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)
	assert.Equal(t, 2, pool.Size())
}

func TestPoolEvictsLeastRecentlyUsed(t *testing.T) {
	pool := NewPool(ClientOptions{APIVersion: "v62.0"}, 5*time.Minute, 2, common.GetLogger())

	first := pool.Acquire(testCreds("00Dorg1", "005usr1"))
	time.Sleep(2 * time.Millisecond)
	pool.Acquire(testCreds("00Dorg2", "005usr1"))
	time.Sleep(2 * time.Millisecond)
	pool.Acquire(testCreds("00Dorg3", "005usr1"))

	assert.Equal(t, 2, pool.Size())

	// org1 was the oldest entry, so reacquiring it builds a new client.
	replacement := pool.Acquire(testCreds("00Dorg1", "005usr1"))
	assert.NotSame(t, first, replacement)
	assert.Equal(t, 2, pool.Size())
}

func TestPoolAlwaysKeepsOneConnection(t *testing.T) {
	pool := NewPool(ClientOptions{APIVersion: "v62.0"}, 5*time.Minute, 0, common.GetLogger())

	pool.Acquire(testCreds("00Dorg1", "005usr1"))
	assert.Equal(t, 1, pool.Size())
	time.Sleep(2 * time.Millisecond)

	kept := pool.Acquire(testCreds("00Dorg2", "005usr1"))
	assert.Equal(t, 1, pool.Size())
	assert.Same(t, kept, pool.Acquire(testCreds("00Dorg2", "005usr1")))
}

func TestRefreshingTokensCachesUntilBuffer(t *testing.T) {
	src := &fakeTokenSource{token: &oauth2.Token{
		AccessToken: "fresh",
		Expiry:      time.Now().Add(time.Hour),
	}}
	tokens := &refreshingTokens{source: src, buffer: 5 * time.Minute, group: &singleflight.Group{}, key: "k"}

	got, err := tokens.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)

	_, err = tokens.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.count(), "token outside the buffer window is served from cache")
}

func TestRefreshingTokensRefreshesNearExpiry(t *testing.T) {
	src := &fakeTokenSource{token: &oauth2.Token{
		AccessToken: "short",
		Expiry:      time.Now().Add(time.Minute),
	}}
	tokens := &refreshingTokens{source: src, buffer: 5 * time.Minute, group: &singleflight.Group{}, key: "k"}

	_, err := tokens.Token(context.Background())
	require.NoError(t, err)
	_, err = tokens.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.count(), "a token inside the expiry buffer refreshes each call")
}

func TestRefreshingTokensManualTokenNeverRefreshes(t *testing.T) {
	// Zero expiry marks a manually supplied token; it never rolls.
	src := &fakeTokenSource{token: &oauth2.Token{AccessToken: "manual"}}
	tokens := &refreshingTokens{source: src, buffer: 5 * time.Minute, group: &singleflight.Group{}, key: "k"}

	for i := 0; i < 3; i++ {
		got, err := tokens.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "manual", got)
	}
	assert.Equal(t, 1, src.count())
}

func TestRefreshingTokensInvalidateForcesRefresh(t *testing.T) {
	src := &fakeTokenSource{token: &oauth2.Token{
		AccessToken: "fresh",
		Expiry:      time.Now().Add(time.Hour),
	}}
	tokens := &refreshingTokens{source: src, buffer: 5 * time.Minute, group: &singleflight.Group{}, key: "k"}

	_, err := tokens.Token(context.Background())
	require.NoError(t, err)

	tokens.Invalidate()

	_, err = tokens.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.count())
}

func TestRefreshingTokensRefreshFailure(t *testing.T) {
	src := &fakeTokenSource{err: errors.New("refresh endpoint said no")}
	tokens := &refreshingTokens{source: src, buffer: 5 * time.Minute, group: &singleflight.Group{}, key: "k"}

	_, err := tokens.Token(context.Background())
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrAuthFailed))
}

package salesforce

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ternarybob/conexus/internal/models"
)

// Credentials identify and authenticate one org connection. TokenSource
// is typically an oauth2 refreshing source; the pool never runs an auth
// flow itself, it only consumes tokens.
type Credentials struct {
	InstanceURL string
	OrgID       string
	UserID      string
	TokenSource oauth2.TokenSource
}

// Pool is the process-wide connection pool, keyed orgID+userID. It is
// the only process-wide mutable state in the system; access is
// serialized per handle and token refreshes are single-flighted so
// concurrent callers share one refresh.
type Pool struct {
	mu       sync.Mutex
	conns    map[string]*poolEntry
	buffer   time.Duration // Refresh fires at expiresAt - buffer
	maxIdle  int           // LRU size, minimum 1
	opts     ClientOptions
	logger   arbor.ILogger
	refreshG singleflight.Group
}

type poolEntry struct {
	client   *Client
	tokens   *refreshingTokens
	lastUsed time.Time
}

// NewPool creates a connection pool. The ClientOptions act as a
// template; per-connection fields are filled from Credentials.
func NewPool(template ClientOptions, tokenBuffer time.Duration, maxIdle int, logger arbor.ILogger) *Pool {
	if maxIdle < 1 {
		maxIdle = 1
	}
	return &Pool{
		conns:   make(map[string]*poolEntry),
		buffer:  tokenBuffer,
		maxIdle: maxIdle,
		opts:    template,
		logger:  logger,
	}
}

// Acquire returns the pooled client for the credentials, creating it on
// first use. The returned client stays valid across token refreshes.
func (p *Pool) Acquire(creds Credentials) *Client {
	key := creds.OrgID + ":" + creds.UserID

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.conns[key]; ok {
		entry.lastUsed = time.Now()
		return entry.client
	}

	tokens := &refreshingTokens{
		source: creds.TokenSource,
		buffer: p.buffer,
		group:  &p.refreshG,
		key:    key,
	}
	opts := p.opts
	opts.InstanceURL = creds.InstanceURL
	opts.OrgID = creds.OrgID
	opts.UserID = creds.UserID
	opts.Tokens = tokens

	entry := &poolEntry{
		client:   NewClient(opts, p.logger),
		tokens:   tokens,
		lastUsed: time.Now(),
	}
	p.conns[key] = entry
	p.evictLocked()

	p.logger.Debug().Str("org_id", creds.OrgID).Str("user_id", creds.UserID).Msg("Connection added to pool")
	return entry.client
}

// evictLocked drops least-recently-used connections beyond maxIdle,
// always keeping at least one. Caller holds p.mu.
func (p *Pool) evictLocked() {
	for len(p.conns) > p.maxIdle && len(p.conns) > 1 {
		var oldestKey string
		var oldest time.Time
		for key, entry := range p.conns {
			if oldestKey == "" || entry.lastUsed.Before(oldest) {
				oldestKey = key
				oldest = entry.lastUsed
			}
		}
		delete(p.conns, oldestKey)
		p.logger.Debug().Str("key", oldestKey).Msg("Idle connection evicted from pool")
	}
}

// Size returns the number of pooled connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// refreshingTokens caches the current token and refreshes it near
// expiry. Refreshes are single-flighted across callers of the same
// connection.
type refreshingTokens struct {
	mu     sync.Mutex
	source oauth2.TokenSource
	cached *oauth2.Token
	buffer time.Duration
	group  *singleflight.Group
	key    string
}

// Token returns a valid access token, refreshing when the cached token
// is within the expiry buffer.
func (t *refreshingTokens) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	cached := t.cached
	t.mu.Unlock()

	if cached != nil && cached.AccessToken != "" &&
		(cached.Expiry.IsZero() || time.Until(cached.Expiry) > t.buffer) {
		return cached.AccessToken, nil
	}

	// Concurrent callers on the same connection share one refresh
	result, err, _ := t.group.Do(t.key, func() (interface{}, error) {
		tok, err := t.source.Token()
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.cached = tok
		t.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", models.WrapError(models.ErrAuthFailed, "token refresh failed", err)
	}
	return result.(*oauth2.Token).AccessToken, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (t *refreshingTokens) Invalidate() {
	t.mu.Lock()
	t.cached = nil
	t.mu.Unlock()
}

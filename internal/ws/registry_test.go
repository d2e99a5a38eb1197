package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_PoolExhaustedRegardlessOfIdentity(t *testing.T) {
	cfg := testPool()
	cfg.MaxConnectionsTotal = 2
	r := NewRegistry(mustPolicy(t, cfg), nil)

	_, err := r.Admit("alice", &fakeTransport{})
	require.NoError(t, err)
	_, err = r.Admit("", &fakeTransport{})
	require.NoError(t, err)

	for _, identity := range []string{"alice", "bob", ""} {
		_, err = r.Admit(identity, &fakeTransport{})
		assert.ErrorIs(t, err, domain.ErrPoolExhausted, "identity %q", identity)
	}
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_ConcurrentAdmissionsHonourIdentityQuota(t *testing.T) {
	cfg := testPool()
	cfg.MaxConnectionsPerIdentity = 3
	st := &countingStats{}
	r := NewRegistry(mustPolicy(t, cfg), st)

	const attempts = 64
	var admitted, quota atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := r.Admit("alice", &fakeTransport{})
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, domain.ErrIdentityQuotaExceeded):
				quota.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 3, admitted.Load())
	assert.EqualValues(t, attempts-3, quota.Load())
	assert.Len(t, r.ConnectionsFor("alice"), 3)
	assert.EqualValues(t, 3, st.connects.Load())
	assert.EqualValues(t, attempts-3, st.rejections.Load())
}

func TestRegistry_AnonymousOnlyCountsAgainstPool(t *testing.T) {
	cfg := testPool()
	cfg.MaxConnectionsPerIdentity = 1
	r := NewRegistry(mustPolicy(t, cfg), nil)

	for i := 0; i < 5; i++ {
		_, err := r.Admit("", &fakeTransport{})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, r.Count())
	assert.Zero(t, r.OnlineIdentities())
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	st := &countingStats{}
	r := NewRegistry(mustPolicy(t, testPool()), st)

	c, err := r.Admit("alice", &fakeTransport{})
	require.NoError(t, err)
	require.True(t, r.IsOnline("alice"))

	assert.True(t, r.Remove(c.ID))
	assert.False(t, r.Remove(c.ID))

	assert.Zero(t, r.Count())
	assert.False(t, r.IsOnline("alice"))
	assert.Empty(t, r.IdentityCounts())
	assert.EqualValues(t, 1, st.disconnects.Load(), "second remove must not decrement again")
}

func TestRegistry_LoweredLimitAppliesToNextAdmission(t *testing.T) {
	p := mustPolicy(t, testPool())
	r := NewRegistry(p, nil)
	for i := 0; i < 3; i++ {
		_, err := r.Admit("alice", &fakeTransport{})
		require.NoError(t, err)
	}

	one := 1
	_, err := p.Update(PoolConfigPatch{MaxConnectionsPerIdentity: &one})
	require.NoError(t, err)

	assert.Len(t, r.ConnectionsFor("alice"), 3, "existing connections survive")
	_, err = r.Admit("alice", &fakeTransport{})
	assert.ErrorIs(t, err, domain.ErrIdentityQuotaExceeded)
	_, err = r.Admit("bob", &fakeTransport{})
	assert.NoError(t, err)
}

func TestPolicy_RejectsInvalidPatch(t *testing.T) {
	p := mustPolicy(t, testPool())
	zero := 0
	cfg, err := p.Update(PoolConfigPatch{MaxConnectionsTotal: &zero})
	require.Error(t, err)
	assert.Equal(t, 100, cfg.MaxConnectionsTotal)
	assert.Equal(t, 100, p.Current().MaxConnectionsTotal)
}

func TestCloseCodeFor(t *testing.T) {
	assert.Equal(t, ClosePoolExhausted, CloseCodeFor(domain.ErrPoolExhausted))
	assert.Equal(t, CloseIdentityQuota, CloseCodeFor(domain.ErrIdentityQuotaExceeded))
	assert.Equal(t, CloseNotEntitled, CloseCodeFor(domain.ErrNotEntitled))
	assert.Equal(t, CloseLivenessTimeout, CloseCodeFor(ErrLivenessTimeout))
	assert.Equal(t, CloseAdministrativeKick, CloseCodeFor(ErrKicked))
	assert.Equal(t, 1001, CloseCodeFor(ErrShuttingDown))
	assert.Equal(t, 1000, CloseCodeFor(nil))
	assert.Equal(t, CloseInternal, CloseCodeFor(errors.New("boom")))
}

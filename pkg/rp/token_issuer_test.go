package rp

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gematik/ehealthid-rp/pkg/auth"
	"github.com/gematik/ehealthid-rp/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T, ttl time.Duration) *TokenIssuer {
	t.Helper()
	issuer := NewTokenIssuer(ttl)
	t.Cleanup(func() { _ = issuer.Close() })
	return issuer
}

func testConsumedSession() *session.Session {
	return &session.Session{
		ID:          "sid-1",
		State:       "state-1",
		ClientID:    "app-1",
		RedirectURI: "https://app.example/cb",
	}
}

func TestIssueAndRedeem(t *testing.T) {
	issuer := newTestIssuer(t, time.Minute)

	code := issuer.IssueCode(testConsumedSession(), &auth.IdentityToken{Subject: "X110400001"})
	assert.Len(t, code, codeLength)

	redemption := issuer.Redeem(code)
	require.NotNil(t, redemption)
	assert.Equal(t, "X110400001", redemption.Token.Subject)

	// the code stays bound to the client it was issued for
	assert.Equal(t, "https://app.example/cb", redemption.RedirectURI)
	assert.Equal(t, "state-1", redemption.State)
	assert.Equal(t, "app-1", redemption.ClientID)

	assert.Nil(t, issuer.Redeem(code), "a code redeems exactly once")
}

func TestRedeemUnknownCode(t *testing.T) {
	issuer := newTestIssuer(t, time.Minute)
	assert.Nil(t, issuer.Redeem("never-issued"))
}

func TestRedeemExpiredCode(t *testing.T) {
	issuer := newTestIssuer(t, -time.Second)

	code := issuer.IssueCode(testConsumedSession(), &auth.IdentityToken{Subject: "X110400001"})
	assert.Nil(t, issuer.Redeem(code))
}

func TestRedeemIsSingleUseUnderConcurrency(t *testing.T) {
	issuer := newTestIssuer(t, time.Minute)
	code := issuer.IssueCode(testConsumedSession(), &auth.IdentityToken{Subject: "X110400001"})

	const workers = 64
	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if issuer.Redeem(code) != nil {
				won.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
}

func TestCleanupPurgesExpiredCodes(t *testing.T) {
	issuer := newTestIssuer(t, time.Minute)

	code := issuer.IssueCode(testConsumedSession(), &auth.IdentityToken{Subject: "X110400001"})
	issuer.mu.Lock()
	issuer.codes[code].ExpiresAt = time.Now().Add(-time.Hour)
	issuer.mu.Unlock()

	issuer.cleanup()

	issuer.mu.Lock()
	defer issuer.mu.Unlock()
	assert.NotContains(t, issuer.codes, code)
}

package rp

import (
	"sync"
	"time"

	"github.com/gematik/ehealthid-rp/pkg/auth"
	"github.com/gematik/ehealthid-rp/pkg/session"
	"github.com/gematik/ehealthid-rp/pkg/util"
)

const codeLength = 128

// Redemption is what a redeemed authorization code stands for: the verified
// identity token together with the client binding of the consumed session,
// so a redeeming party can validate the code against the client it was
// issued for.
type Redemption struct {
	Token       *auth.IdentityToken
	RedirectURI string
	State       string
	ClientID    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// TokenIssuer hands out opaque single-use authorization codes for completed
// authentications. Codes expire after a short TTL; Redeem is atomic, of any
// number of concurrent redemptions of the same code exactly one succeeds.
type TokenIssuer struct {
	ttl      time.Duration
	mu       sync.Mutex
	codes    map[string]*Redemption
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewTokenIssuer(ttl time.Duration) *TokenIssuer {
	t := &TokenIssuer{
		ttl:    ttl,
		codes:  make(map[string]*Redemption),
		stopCh: make(chan struct{}),
	}

	go t.cleanupExpired()

	return t
}

// IssueCode stores the verified identity token and the consumed session's
// client binding under a fresh opaque code.
func (t *TokenIssuer) IssueCode(sess *session.Session, token *auth.IdentityToken) string {
	code := util.GenerateRandomString(codeLength)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.codes[code] = &Redemption{
		Token:       token,
		RedirectURI: sess.RedirectURI,
		State:       sess.State,
		ClientID:    sess.ClientID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(t.ttl),
	}

	return code
}

// Redeem returns the redemption for the code exactly once. Unknown, expired
// and already redeemed codes all yield nil.
func (t *TokenIssuer) Redeem(code string) *Redemption {
	t.mu.Lock()
	defer t.mu.Unlock()

	redemption, ok := t.codes[code]
	if !ok {
		return nil
	}
	delete(t.codes, code)

	if time.Now().After(redemption.ExpiresAt) {
		return nil
	}
	return redemption
}

func (t *TokenIssuer) Close() error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	return nil
}

func (t *TokenIssuer) cleanupExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanup()
		case <-t.stopCh:
			return
		}
	}
}

func (t *TokenIssuer) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for code, redemption := range t.codes {
		if now.After(redemption.ExpiresAt) {
			delete(t.codes, code)
		}
	}
}

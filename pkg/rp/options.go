package rp

import (
	"errors"
	"net/http"
	"time"

	"github.com/gematik/ehealthid-rp/pkg/auth"
	"github.com/gematik/ehealthid-rp/pkg/oidf"
	"github.com/gematik/ehealthid-rp/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
)

type Option func(*Server) error

var errNoGateway = errors.New("a federation gateway is required")

// WithFederationGateway sets the gateway the flow talks to.
func WithFederationGateway(gateway auth.FederationGateway) Option {
	return func(s *Server) error {
		s.gateway = gateway
		return nil
	}
}

// WithRelyingParty uses the federation relying party as gateway and serves
// its signed entity statement under /.well-known/openid-federation.
func WithRelyingParty(relyingParty *oidf.RelyingParty) Option {
	return func(s *Server) error {
		s.gateway = relyingParty
		s.wellKnown = http.HandlerFunc(relyingParty.Serve)
		return nil
	}
}

func WithSessionStore(store session.Store) Option {
	return func(s *Server) error {
		s.sessions = store
		return nil
	}
}

func WithTokenIssuer(issuer *TokenIssuer) Option {
	return func(s *Server) error {
		s.issuer = issuer
		return nil
	}
}

// WithMetricsRegisterer registers the server counters with reg instead of
// the default registerer.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) error {
		s.metrics = newServerMetrics(reg)
		return nil
	}
}

// WithRedisSessions replaces the in-memory store with Redis. Must run after
// the gateway option, restored sessions are rebound to the flow.
func WithRedisSessions(cfg session.RedisConfig, ttl time.Duration) Option {
	return func(s *Server) error {
		if s.gateway == nil {
			return errNoGateway
		}
		store, err := session.NewRedisStore(cfg, ttl, auth.NewFlow(s.gateway))
		if err != nil {
			return err
		}
		s.sessions = store
		return nil
	}
}

package auth

import (
	"encoding/json"
	"fmt"
)

const (
	kindSelectSectoralIdp  = "select_sectoral_idp"
	kindTrustedSectoralIdp = "trusted_sectoral_idp"
)

// stepEnvelope is the wire form of a step for external session stores.
// The flow reference is rebound on unmarshalling.
type stepEnvelope struct {
	Kind        string      `json:"kind"`
	Intent      Intent      `json:"intent"`
	Options     []IdpOption `json:"options,omitempty"`
	Issuer      string      `json:"issuer,omitempty"`
	RedirectURI string      `json:"redirect_uri,omitempty"`
}

// MarshalStep serializes a step so it can be persisted outside the process.
func MarshalStep(s Step) ([]byte, error) {
	var env stepEnvelope
	switch step := s.(type) {
	case *SelectSectoralIdpStep:
		env = stepEnvelope{
			Kind:    kindSelectSectoralIdp,
			Intent:  step.intent,
			Options: step.options,
		}
	case *TrustedSectoralIdpStep:
		env = stepEnvelope{
			Kind:        kindTrustedSectoralIdp,
			Intent:      step.intent,
			Issuer:      step.issuer,
			RedirectURI: step.redirectURI,
		}
	default:
		return nil, fmt.Errorf("unknown step type %T", s)
	}
	return json.Marshal(env)
}

// UnmarshalStep restores a persisted step and rebinds it to the flow. Only
// steps produced by MarshalStep can be restored; the step kind is a closed
// set.
func (f *Flow) UnmarshalStep(data []byte) (Step, error) {
	var env stepEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unable to decode step: %w", err)
	}

	switch env.Kind {
	case kindSelectSectoralIdp:
		return &SelectSectoralIdpStep{
			flow:    f,
			intent:  env.Intent,
			options: env.Options,
		}, nil
	case kindTrustedSectoralIdp:
		return &TrustedSectoralIdpStep{
			flow:        f,
			intent:      env.Intent,
			issuer:      env.Issuer,
			redirectURI: env.RedirectURI,
		}, nil
	default:
		return nil, fmt.Errorf("unknown step kind %q", env.Kind)
	}
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/tcriess/lightspeed-session/config"
	"github.com/tcriess/lightspeed-session/globals"
)

const defaultUserClaim = "sub"

var (
	ErrNoToken         = errors.New("no id token")
	ErrUnknownProvider = errors.New("unknown oidc provider")
	ErrNoUserClaim     = errors.New("id token has no user claim")
)

type provider struct {
	cfg      config.OIDCConfig
	verifier *oidc.IDTokenVerifier
}

// Authenticator verifies OIDC ID tokens against the configured providers. Provider discovery happens on first use.
type Authenticator struct {
	providers map[string]*provider

	mu sync.Mutex
}

func NewAuthenticator(cfgs []config.OIDCConfig) *Authenticator {
	a := &Authenticator{providers: make(map[string]*provider)}
	for _, c := range cfgs {
		a.providers[c.Name] = &provider{cfg: c}
	}
	return a
}

// Enabled reports whether at least one provider is configured. Without providers, connections are not
// authenticated and the user ids of the events are not checked.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.providers) > 0
}

// Authenticate verifies idToken with the provider named oidcProvider and returns the user id, taken from the
// provider's user claim ("sub" by default).
func (a *Authenticator) Authenticate(ctx context.Context, idToken, oidcProvider string) (string, error) {
	if idToken == "" {
		return "", ErrNoToken
	}
	verifier, userClaim, err := a.verifier(ctx, oidcProvider)
	if err != nil {
		return "", err
	}
	verifiedIdToken, err := verifier.Verify(ctx, idToken)
	if err != nil {
		globals.AppLogger.Debug("could not verify id token", "provider", oidcProvider, "error", err)
		return "", err
	}
	claims := make(map[string]interface{})
	err = verifiedIdToken.Claims(&claims)
	if err != nil {
		return "", err
	}
	userId, _ := claims[userClaim].(string)
	if userId == "" {
		return "", ErrNoUserClaim
	}
	return userId, nil
}

func (a *Authenticator) verifier(ctx context.Context, oidcProvider string) (*oidc.IDTokenVerifier, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.providers[oidcProvider]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownProvider, oidcProvider)
	}
	userClaim := p.cfg.UserClaim
	if userClaim == "" {
		userClaim = defaultUserClaim
	}
	if p.verifier != nil {
		return p.verifier, userClaim, nil
	}
	globals.AppLogger.Debug("discovering oidc provider", "provider", oidcProvider, "url", p.cfg.ProviderUrl)
	// the provider outlives the request, so it must not be bound to ctx
	disc, err := oidc.NewProvider(context.WithoutCancel(ctx), p.cfg.ProviderUrl)
	if err != nil {
		return nil, "", err
	}
	p.verifier = disc.Verifier(verifierConfig(p.cfg))
	return p.verifier, userClaim, nil
}

func verifierConfig(c config.OIDCConfig) *oidc.Config {
	conf := &oidc.Config{}
	if c.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = c.ClientId
	}
	return conf
}

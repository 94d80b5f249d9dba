package tokensource

import (
	"context"

	"golang.org/x/oauth2"
)

// managedTokenSource adapts a Manager to the oauth2.TokenSource interface so
// callers can plug the managed cache into anything that speaks oauth2.
type managedTokenSource struct {
	ctx     context.Context
	manager *Manager
	req     TokenRequest
}

// TokenSource returns an oauth2.TokenSource backed by the manager's cache.
// Each Token call goes through GetToken, so cached tokens are reused and
// refresh scheduling stays with the manager.
func (m *Manager) TokenSource(ctx context.Context, req TokenRequest) oauth2.TokenSource {
	return &managedTokenSource{ctx: ctx, manager: m, req: req}
}

// Token implements oauth2.TokenSource.
func (s *managedTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.manager.GetToken(s.ctx, s.req)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Expiry:      tok.ExpiresAt,
	}, nil
}

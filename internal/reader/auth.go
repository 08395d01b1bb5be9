package reader

import (
	"encoding/base64"
	"fmt"

	"github.com/rat-data/apiloader/internal/domain"
	"github.com/rat-data/apiloader/internal/transport"
)

// AuthStrategy decorates the prepared request with credentials.
type AuthStrategy interface {
	Apply(req *transport.Request)
}

// newAuth builds the authentication strategy a source declares, or nil when
// the source is unauthenticated.
func newAuth(source *domain.APIConfig) (AuthStrategy, error) {
	switch source.AuthenticationStrategy {
	case "":
		return nil, nil
	case domain.AuthBasic:
		username, ok := source.AuthenticationParams["username"]
		if !ok {
			return nil, fmt.Errorf("basic auth: username is required")
		}
		password, ok := source.AuthenticationParams["password"]
		if !ok {
			return nil, fmt.Errorf("basic auth: password is required")
		}
		return &basicAuth{username: username, password: password}, nil
	case domain.AuthBearer:
		token, ok := source.AuthenticationParams["token"]
		if !ok {
			return nil, fmt.Errorf("bearer auth: token is required")
		}
		return &bearerAuth{token: token}, nil
	default:
		return nil, fmt.Errorf("unsupported authentication strategy: %q", source.AuthenticationStrategy)
	}
}

type basicAuth struct {
	username string
	password string
}

func (a *basicAuth) Apply(req *transport.Request) {
	credentials := base64.StdEncoding.EncodeToString([]byte(a.username + ":" + a.password))
	req.Headers.Set("Authorization", "Basic "+credentials)
}

type bearerAuth struct {
	token string
}

func (a *bearerAuth) Apply(req *transport.Request) {
	req.Headers.Set("Authorization", "Bearer "+a.token)
}

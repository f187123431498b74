// Package identity is the boundary to the external identity & session
// service. The core never issues identities: it resolves an opaque
// connection token into an anonymous Participant and otherwise treats
// session issuance as someone else's problem.
package identity

import (
	"context"
	"errors"
)

// ErrInvalidSession is returned when a connection token is unrecognized or
// expired.
var ErrInvalidSession = errors.New("identity: invalid session")

// Participant is the anonymous session identity supplied per connecting
// user. It is referenced by value throughout the core and lives for the
// duration of one session.
type Participant struct {
	SessionID string
	Nickname  string
	Avatar    string
}

// Resolver resolves connection tokens into participants. The concrete
// implementation is deployment-specific; RedisResolver is provided for
// deployments where the identity service writes session records to Redis.
type Resolver interface {
	Resolve(ctx context.Context, connectionToken string) (Participant, error)
}

package authorization

import (
	"context"
	"log/slog"
)

// AccessPolicyAuthorizer enforces the built-in bucket access policy:
// a granted credential may do anything inside its buckets,
// account-level operations need any authenticated credential, and
// everyone else is held to the bucket's access level (public-read
// permits read operations, public-write permits write operations).
type AccessPolicyAuthorizer struct{}

var _ RequestAuthorizer = (*AccessPolicyAuthorizer)(nil)

func NewAccessPolicyAuthorizer() *AccessPolicyAuthorizer {
	return &AccessPolicyAuthorizer{}
}

func (a *AccessPolicyAuthorizer) AuthorizeRequest(ctx context.Context, request *Request) (bool, error) {
	auth := request.Authorization
	if request.Bucket == nil {
		return auth.Authenticated, nil
	}
	if auth.Authenticated && auth.BucketGranted {
		return true, nil
	}
	if request.BucketAccess == nil {
		return false, nil
	}
	switch *request.BucketAccess {
	case BucketAccessPublicRead:
		return IsReadOnlyOperation(request.Operation), nil
	case BucketAccessPublicWrite:
		return !IsReadOnlyOperation(request.Operation), nil
	}
	return false, nil
}

// ChainAuthorizer asks each authorizer in order and only allows a
// request every one of them allows.
type ChainAuthorizer struct {
	authorizers []RequestAuthorizer
}

var _ RequestAuthorizer = (*ChainAuthorizer)(nil)

func NewChainAuthorizer(authorizers ...RequestAuthorizer) *ChainAuthorizer {
	return &ChainAuthorizer{authorizers: authorizers}
}

func (c *ChainAuthorizer) AuthorizeRequest(ctx context.Context, request *Request) (bool, error) {
	for _, authorizer := range c.authorizers {
		authorized, err := authorizer.AuthorizeRequest(ctx, request)
		if err != nil {
			return false, err
		}
		if !authorized {
			slog.Debug("Request denied", "operation", request.Operation, "accessKeyId", request.Authorization.AccessKeyId)
			return false, nil
		}
	}
	return true, nil
}

package authentication

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avandras/cellar/internal/identity"
)

type AccessKeyIdContextKey struct{}
type CredentialContextKey struct{}

// headerExpiration is the validity window of header-signed requests;
// presigned urls carry their own window in X-Amz-Expires.
const headerExpiration = 5 * time.Minute

// CredentialFromContext returns the credential the signature
// middleware authenticated, or nil for anonymous requests.
func CredentialFromContext(ctx context.Context) *identity.Credential {
	credential, _ := ctx.Value(CredentialContextKey{}).(*identity.Credential)
	return credential
}

// payloadHashForRequest derives the payload hash per the
// x-amz-content-sha256 rules: presigned requests and the literal
// UNSIGNED-PAYLOAD use the placeholder, any other provided value is
// trusted verbatim (the client already hashed, re-hashing large bodies
// buys nothing), and an absent header hashes the body.
func payloadHashForRequest(r *http.Request, isPresigned bool) (string, error) {
	if isPresigned {
		return UnsignedPayload, nil
	}
	if contentSha256 := r.Header.Get(AmzContentSha256Header); contentSha256 != "" {
		return contentSha256, nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return EmptyStringSha256, nil
	}
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	return sha256Hex(bodyBytes), nil
}

func hasAuthenticationMaterial(r *http.Request) bool {
	return r.Header.Get("Authorization") != "" || r.URL.Query().Has("X-Amz-Signature")
}

func checkAuthentication(identityProvider identity.Provider, expectedRegion string, r *http.Request) (*identity.Credential, int) {
	now := time.Now().UTC()

	var parsed *ParsedAuthorization
	var expiration time.Duration
	var err error
	isPresigned := r.Header.Get("Authorization") == ""
	if isPresigned {
		parsed, expiration, err = ParsePresignedQuery(r.URL.Query())
	} else {
		parsed, err = ParseAuthorizationHeader(r.Header.Get("Authorization"))
		expiration = headerExpiration
	}
	if err != nil {
		slog.Warn("Rejecting request with malformed authentication", "error", err)
		return nil, http.StatusUnauthorized
	}

	credential, err := identityProvider.LookupByAccessKeyId(r.Context(), parsed.AccessKeyId)
	if err != nil {
		slog.Warn("Access key id not found", "accessKeyId", parsed.AccessKeyId)
		return nil, http.StatusForbidden
	}

	amzDate := r.Header.Get(AmzDateHeader)
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	if amzDate == "" {
		amzDate = r.URL.Query().Get("X-Amz-Date")
	}
	err = CheckScope(parsed, expectedRegion, amzDate)
	if err != nil {
		slog.Warn("Rejecting request with invalid credential scope", "error", err)
		return nil, http.StatusForbidden
	}

	err = CheckTimestamp(amzDate, expiration, now)
	if err != nil {
		slog.Warn("Rejecting request with invalid timestamp", "error", err)
		return nil, http.StatusForbidden
	}

	payloadHash, err := payloadHashForRequest(r, isPresigned)
	if err != nil {
		slog.Warn("Failed to hash request payload", "error", err)
		return nil, http.StatusBadRequest
	}

	verifier := NewVerifier()
	input := &SigningInput{
		Method:      r.Method,
		Path:        r.URL.EscapedPath(),
		RawQuery:    r.URL.RawQuery,
		Host:        r.Host,
		Headers:     r.Header,
		PayloadHash: payloadHash,
	}
	result := verifier.VerifyWithPathDetection(input, parsed, credential.SecretAccessKey)
	if !result.IsValid {
		slog.Warn("Signature does not match calculated signature",
			"accessKeyId", parsed.AccessKeyId, "attempts", len(result.Attempts))
		return nil, http.StatusForbidden
	}
	if result.MatchedPath != input.Path {
		slog.Debug("Signature matched a rewritten path candidate",
			"routedPath", input.Path, "matchedPath", result.MatchedPath)
	}
	return credential, 0
}

// MakeSignatureMiddleware authenticates SigV4-signed requests (header
// or presigned-url variant) against the identity provider and stores
// the resolved credential in the request context. Requests carrying no
// authentication material pass through anonymously; the authorization
// layer decides what anonymous callers may do.
func MakeSignatureMiddleware(identityProvider identity.Provider, region string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !hasAuthenticationMaterial(r) {
			next.ServeHTTP(w, r)
			return
		}
		credential, errStatusCode := checkAuthentication(identityProvider, region, r)
		if credential == nil {
			w.WriteHeader(errStatusCode)
			return
		}
		ctx := context.WithValue(r.Context(), AccessKeyIdContextKey{}, credential.AccessKeyId)
		ctx = context.WithValue(ctx, CredentialContextKey{}, credential)
		next.ServeHTTP(w, r.Clone(ctx))
	})
}

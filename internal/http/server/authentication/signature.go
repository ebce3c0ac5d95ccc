package authentication

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

const SignatureAlgorithm = "AWS4-HMAC-SHA256"
const ServiceS3 = "s3"
const TerminationString = "aws4_request"
const UnsignedPayload = "UNSIGNED-PAYLOAD"

// EmptyStringSha256 is the hex sha256 of the empty string, the payload
// hash of bodyless requests.
const EmptyStringSha256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

const AmzDateHeader = "x-amz-date"
const AmzContentSha256Header = "x-amz-content-sha256"
const amzDateFormat = "20060102T150405Z"
const credentialDateFormat = "20060102"

var ErrMalformedAuthorization = errors.New("malformed authorization header")

// ParsedAuthorization is the decomposed Authorization header:
// AWS4-HMAC-SHA256 Credential={key}/{date}/{region}/{service}/aws4_request,
// SignedHeaders={h;h;...}, Signature={hex}.
type ParsedAuthorization struct {
	AccessKeyId   string
	Date          string
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

// Scope returns the credential scope the signature was computed over.
func (pa *ParsedAuthorization) Scope() string {
	return pa.Date + "/" + pa.Region + "/" + pa.Service + "/" + TerminationString
}

// ParseAuthorizationHeader decomposes the Authorization header value.
// Any deviation from the expected grammar fails the parse; the caller
// must treat a parse failure as an unauthenticated request.
func ParseAuthorizationHeader(headerValue string) (*ParsedAuthorization, error) {
	rest, found := strings.CutPrefix(headerValue, SignatureAlgorithm)
	if !found {
		return nil, fmt.Errorf("%w: missing %s prefix", ErrMalformedAuthorization, SignatureAlgorithm)
	}
	authFields := strings.Split(rest, ",")
	if len(authFields) != 3 {
		return nil, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformedAuthorization, len(authFields))
	}

	credential, found := strings.CutPrefix(strings.TrimSpace(authFields[0]), "Credential=")
	if !found {
		return nil, fmt.Errorf("%w: missing Credential field", ErrMalformedAuthorization)
	}
	signedHeaders, found := strings.CutPrefix(strings.TrimSpace(authFields[1]), "SignedHeaders=")
	if !found {
		return nil, fmt.Errorf("%w: missing SignedHeaders field", ErrMalformedAuthorization)
	}
	signature, found := strings.CutPrefix(strings.TrimSpace(authFields[2]), "Signature=")
	if !found {
		return nil, fmt.Errorf("%w: missing Signature field", ErrMalformedAuthorization)
	}

	return newParsedAuthorization(credential, signedHeaders, signature)
}

func newParsedAuthorization(credential string, signedHeaders string, signature string) (*ParsedAuthorization, error) {
	credentialParts := strings.Split(credential, "/")
	if len(credentialParts) != 5 {
		return nil, fmt.Errorf("%w: credential does not contain exactly 5 parts", ErrMalformedAuthorization)
	}
	if credentialParts[4] != TerminationString {
		return nil, fmt.Errorf("%w: credential does not end in %s", ErrMalformedAuthorization, TerminationString)
	}
	if len(signature) != 64 {
		return nil, fmt.Errorf("%w: signature is not 64 hex characters", ErrMalformedAuthorization)
	}
	if _, err := hex.DecodeString(signature); err != nil {
		return nil, fmt.Errorf("%w: signature is not valid hex", ErrMalformedAuthorization)
	}
	if signedHeaders == "" {
		return nil, fmt.Errorf("%w: empty SignedHeaders", ErrMalformedAuthorization)
	}
	return &ParsedAuthorization{
		AccessKeyId:   credentialParts[0],
		Date:          credentialParts[1],
		Region:        credentialParts[2],
		Service:       credentialParts[3],
		SignedHeaders: strings.Split(signedHeaders, ";"),
		Signature:     signature,
	}, nil
}

// ParsePresignedQuery decomposes the presigned-url query parameters
// (X-Amz-Algorithm etc.) into the same shape as the Authorization
// header, plus the expiry window in seconds.
func ParsePresignedQuery(query url.Values) (*ParsedAuthorization, time.Duration, error) {
	if query.Get("X-Amz-Algorithm") != SignatureAlgorithm {
		return nil, 0, fmt.Errorf("%w: X-Amz-Algorithm is not %s", ErrMalformedAuthorization, SignatureAlgorithm)
	}
	var expiresSeconds int64
	_, err := fmt.Sscanf(query.Get("X-Amz-Expires"), "%d", &expiresSeconds)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: invalid X-Amz-Expires", ErrMalformedAuthorization)
	}
	if expiresSeconds < 1 || expiresSeconds > 604800 {
		return nil, 0, fmt.Errorf("%w: X-Amz-Expires must be between 1 and 604800 seconds", ErrMalformedAuthorization)
	}
	parsed, err := newParsedAuthorization(query.Get("X-Amz-Credential"), query.Get("X-Amz-SignedHeaders"), query.Get("X-Amz-Signature"))
	if err != nil {
		return nil, 0, err
	}
	return parsed, time.Duration(expiresSeconds) * time.Second, nil
}

func hmacSha256(secret []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// createSigningKey derives the signing key through the four chained
// HMAC steps of the SigV4 scheme.
func createSigningKey(secretAccessKey string, date string, region string, service string) []byte {
	dateKey := hmacSha256([]byte("AWS4"+secretAccessKey), []byte(date))
	dateRegionKey := hmacSha256(dateKey, []byte(region))
	dateRegionServiceKey := hmacSha256(dateRegionKey, []byte(service))
	return hmacSha256(dateRegionServiceKey, []byte(TerminationString))
}

func createSignature(signingKey []byte, stringToSign string) string {
	return hex.EncodeToString(hmacSha256(signingKey, []byte(stringToSign)))
}

func sha256Hex(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

const unreservedCharacters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~"

// uriEncode percent-encodes every byte outside the unreserved set with
// uppercase hex digits. Unlike url.QueryEscape this also encodes
// "! ' ( ) *", which AWS requires in canonical form.
func uriEncode(input string, encodeSlash bool) string {
	var sb strings.Builder
	for i := 0; i < len(input); i++ {
		c := input[i]
		if strings.IndexByte(unreservedCharacters, c) >= 0 || (c == '/' && !encodeSlash) {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

// generateCanonicalURI decodes each slash-separated path segment and
// re-encodes it over the unreserved set.
func generateCanonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	encodedSegments := make([]string, 0, len(segments))
	for _, segment := range segments {
		decoded, err := url.PathUnescape(segment)
		if err != nil {
			// Not decodable, canonicalize the raw segment.
			decoded = segment
		}
		encodedSegments = append(encodedSegments, uriEncode(decoded, true))
	}
	return strings.Join(encodedSegments, "/")
}

type pair struct {
	key string
	val string
}

// generateCanonicalQueryString splits the raw query on "&", each pair
// on the first "=", sorts the pairs by (key, value) and rejoins them.
// X-Amz-Signature is excluded so presigned urls can canonicalize the
// query they were signed over.
func generateCanonicalQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	queryPairs := []pair{}
	for _, rawPair := range strings.Split(rawQuery, "&") {
		if rawPair == "" {
			continue
		}
		rawKey, rawVal, _ := strings.Cut(rawPair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			key = rawKey
		}
		if key == "X-Amz-Signature" {
			continue
		}
		val, err := url.QueryUnescape(rawVal)
		if err != nil {
			val = rawVal
		}
		queryPairs = append(queryPairs, pair{key: uriEncode(key, true), val: uriEncode(val, true)})
	}
	slices.SortFunc(queryPairs, func(a, b pair) int {
		if c := strings.Compare(a.key, b.key); c != 0 {
			return c
		}
		return strings.Compare(a.val, b.val)
	})
	parts := make([]string, 0, len(queryPairs))
	for _, queryPair := range queryPairs {
		parts = append(parts, queryPair.key+"="+queryPair.val)
	}
	return strings.Join(parts, "&")
}

// collapseWhitespace trims the value and folds internal whitespace
// runs to a single space, per the SigV4 header canonicalization rules.
func collapseWhitespace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// canonicalSignedHeaders returns the signed header names lowercased,
// deduplicated and in alphabetical order. AWS requires signers to list
// them alphabetically, so sorting and trusting the client coincide.
func canonicalSignedHeaders(signedHeaders []string) []string {
	names := make([]string, 0, len(signedHeaders))
	for _, name := range signedHeaders {
		names = append(names, strings.ToLower(strings.TrimSpace(name)))
	}
	slices.Sort(names)
	return slices.Compact(names)
}

func lookupHeaderValue(name string, host string, headers http.Header) string {
	if name == "host" {
		return strings.TrimSpace(host)
	}
	return collapseWhitespace(strings.Join(headers.Values(name), ","))
}

// SigningInput describes one HTTP-shaped request to verify: the
// method, the path and query it was (or may have been) signed over,
// the headers, and the payload hash already derived per the
// x-amz-content-sha256 rules.
type SigningInput struct {
	Method      string
	Path        string
	RawQuery    string
	Host        string
	Headers     http.Header
	PayloadHash string
}

func generateCanonicalRequest(input *SigningInput, signedHeaders []string) string {
	names := canonicalSignedHeaders(signedHeaders)
	canonicalHeaders := ""
	for _, name := range names {
		canonicalHeaders += name + ":" + lookupHeaderValue(name, input.Host, input.Headers) + "\n"
	}
	return input.Method + "\n" +
		generateCanonicalURI(input.Path) + "\n" +
		generateCanonicalQueryString(input.RawQuery) + "\n" +
		canonicalHeaders + "\n" +
		strings.Join(names, ";") + "\n" +
		input.PayloadHash
}

func generateStringToSign(amzDate string, scope string, canonicalRequest string) string {
	return SignatureAlgorithm + "\n" + amzDate + "\n" + scope + "\n" + sha256Hex([]byte(canonicalRequest))
}

// VerificationDetails exposes the intermediate canonicalization
// products for operator troubleshooting. It must never replace
// Verify/VerifyWithPathDetection as the basis for an authorization
// decision.
type VerificationDetails struct {
	CanonicalRequest  string
	StringToSign      string
	ComputedSignature string
	Valid             bool
}

// Attempt records one path candidate tried during path detection.
type Attempt struct {
	Path              string
	ComputedSignature string
	Valid             bool
}

// PathDetectionResult is the outcome of VerifyWithPathDetection.
type PathDetectionResult struct {
	IsValid     bool
	MatchedPath string
	Attempts    []Attempt
}

// Verifier validates SigV4 signatures against a caller-supplied
// secret. It holds no credential state of its own.
type Verifier struct{}

func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify recomputes the signature over the given input and compares it
// to the signature carried in parsed. Any mismatch, including a
// missing x-amz-date, fails closed.
func (v *Verifier) Verify(input *SigningInput, parsed *ParsedAuthorization, secret string) bool {
	return v.VerifyWithDetails(input, parsed, secret).Valid
}

// VerifyWithDetails is the diagnostic variant of Verify.
func (v *Verifier) VerifyWithDetails(input *SigningInput, parsed *ParsedAuthorization, secret string) *VerificationDetails {
	amzDate := input.Headers.Get(AmzDateHeader)
	if amzDate == "" {
		amzDate = input.Headers.Get("Date")
	}
	if amzDate == "" {
		// Presigned requests carry the timestamp in the query.
		amzDate = url.Values(parseRawQuery(input.RawQuery)).Get("X-Amz-Date")
	}
	if amzDate == "" {
		return &VerificationDetails{Valid: false}
	}
	canonicalRequest := generateCanonicalRequest(input, parsed.SignedHeaders)
	stringToSign := generateStringToSign(amzDate, parsed.Scope(), canonicalRequest)
	signingKey := createSigningKey(secret, parsed.Date, parsed.Region, parsed.Service)
	computedSignature := createSignature(signingKey, stringToSign)
	return &VerificationDetails{
		CanonicalRequest:  canonicalRequest,
		StringToSign:      stringToSign,
		ComputedSignature: computedSignature,
		Valid:             hmac.Equal([]byte(computedSignature), []byte(parsed.Signature)),
	}
}

func parseRawQuery(rawQuery string) map[string][]string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return map[string][]string{}
	}
	return values
}

// PathCandidates returns the ordered, deduplicated list of paths a
// client or an intermediate proxy may have signed: the path as routed,
// the root path when a query string is present (virtual-host-style
// clients sign "/" and keep the query), and the path with its first
// segment removed (clients that sign the key without the bucket).
func PathCandidates(path string, rawQuery string) []string {
	candidates := []string{path}
	if rawQuery != "" {
		candidates = append(candidates, "/")
	}
	trimmed := strings.TrimPrefix(path, "/")
	if segments := strings.SplitN(trimmed, "/", 2); len(segments) == 2 {
		candidates = append(candidates, "/"+segments[1])
	}
	deduped := candidates[:0:0]
	for _, candidate := range candidates {
		if !slices.Contains(deduped, candidate) {
			deduped = append(deduped, candidate)
		}
	}
	return deduped
}

// VerifyWithPathDetection tries each path candidate as a full,
// independent signature check against the same secret and accepts the
// first one that verifies. This tolerates reverse proxies and
// virtual-host-style clients that sign a different path than the one
// the gateway routes on; it never weakens an individual check.
func (v *Verifier) VerifyWithPathDetection(input *SigningInput, parsed *ParsedAuthorization, secret string) *PathDetectionResult {
	result := &PathDetectionResult{}
	for _, candidate := range PathCandidates(input.Path, input.RawQuery) {
		candidateInput := *input
		candidateInput.Path = candidate
		details := v.VerifyWithDetails(&candidateInput, parsed, secret)
		result.Attempts = append(result.Attempts, Attempt{
			Path:              candidate,
			ComputedSignature: details.ComputedSignature,
			Valid:             details.Valid,
		})
		if details.Valid {
			result.IsValid = true
			result.MatchedPath = candidate
			return result
		}
	}
	return result
}

// CheckScope validates the credential scope against the configured
// region and the fixed s3 service. The scope date must match the day
// of the signed x-amz-date, not the receiver's clock: a request signed
// shortly before UTC midnight stays valid when it arrives after the
// date has rolled over.
func CheckScope(parsed *ParsedAuthorization, expectedRegion string, amzDate string) error {
	if parsed.Region != expectedRegion {
		return fmt.Errorf("%w: region %q does not match %q", ErrMalformedAuthorization, parsed.Region, expectedRegion)
	}
	if parsed.Service != ServiceS3 {
		return fmt.Errorf("%w: service %q is not %s", ErrMalformedAuthorization, parsed.Service, ServiceS3)
	}
	if len(amzDate) < len(credentialDateFormat) || parsed.Date != amzDate[:len(credentialDateFormat)] {
		return fmt.Errorf("%w: credential date %q does not match the request date %q", ErrMalformedAuthorization, parsed.Date, amzDate)
	}
	return nil
}

// CheckTimestamp validates that now falls inside the request's
// validity window: a fixed clock-skew allowance before the signed
// timestamp and the expiration duration after it.
func CheckTimestamp(amzDate string, expiration time.Duration, now time.Time) error {
	parsedTimestamp, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp %q", ErrMalformedAuthorization, amzDate)
	}
	notBefore := parsedTimestamp.Add(-15 * time.Minute)
	notAfter := parsedTimestamp.Add(expiration)
	if now.Before(notBefore) || now.After(notAfter) {
		return fmt.Errorf("%w: timestamp outside the valid range (%s - %s)", ErrMalformedAuthorization,
			notBefore.Format(time.RFC3339), notAfter.Format(time.RFC3339))
	}
	return nil
}

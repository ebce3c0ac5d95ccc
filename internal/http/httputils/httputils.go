package httputils

import (
	"net/url"
	"strconv"
)

// GetQueryParam returns a pointer to the query parameter value if it exists, otherwise nil.
func GetQueryParam(values url.Values, key string) *string {
	if values.Has(key) {
		val := values.Get(key)
		return &val
	}
	return nil
}

// GetInt32QueryParam parses the query parameter as int32, falling back
// to defaultValue when the parameter is absent or malformed.
func GetInt32QueryParam(values url.Values, key string, defaultValue int32) int32 {
	raw := values.Get(key)
	parsed, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || parsed < 0 {
		return defaultValue
	}
	return int32(parsed)
}

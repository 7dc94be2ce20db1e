package gateway

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Sign computes the FreedomPay request signature: the script name followed by
// every non-empty parameter value in alphabetical key order and the secret,
// joined by semicolons, hashed with MD5. pg_sig itself is always excluded.
func Sign(scriptName string, params url.Values, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "pg_sig" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+2)
	parts = append(parts, scriptName)
	for _, k := range keys {
		if v := params.Get(k); v != "" {
			parts = append(parts, v)
		}
	}
	parts = append(parts, secret)

	sum := md5.Sum([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:])
}

// VerifyWebhookSignature checks the pg_sig carried by a webhook form post.
// The gateway signs callbacks with the last path segment of the result URL.
func VerifyWebhookSignature(scriptName string, params url.Values, secret string) bool {
	got := strings.TrimSpace(params.Get("pg_sig"))
	if got == "" || secret == "" {
		return false
	}
	want := Sign(scriptName, params, secret)
	return hmac.Equal([]byte(strings.ToLower(got)), []byte(want))
}

package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
)

// SignatureHeader is the request header carrying the webhook signature.
const SignatureHeader = "X-Twilio-Signature"

// ValidateSignature checks a webhook request signature: HMAC-SHA1 keyed with
// the account auth token over the full request URL followed by every form
// parameter sorted by name, each appended as name immediately followed by
// value, then base64. The comparison is constant time.
func ValidateSignature(authToken, requestURL string, form url.Values, signature string) bool {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(requestURL))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(form.Get(k)))
	}
	want := mac.Sum(nil)

	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"sort"
	"strings"
)

// ProviderSignatureHeader carries the telephony provider's request signature.
const ProviderSignatureHeader = "X-Twilio-Signature"

// SignatureStatus is the outcome of the provider signature check.
type SignatureStatus string

const (
	SignatureSkipped SignatureStatus = "skipped"
	SignatureAbsent  SignatureStatus = "absent"
	SignatureValid   SignatureStatus = "valid"
	SignatureInvalid SignatureStatus = "invalid"
)

// VerifyProviderSignature checks the provider HMAC when a provider auth token
// is configured. The signature is accepted over either the public URL
// followed by the sorted, concatenated query pairs, or over the public URL
// with its raw query string.
func (a *Authenticator) VerifyProviderSignature(r *http.Request) SignatureStatus {
	if a.cfg.ProviderAuthToken == "" {
		return SignatureSkipped
	}
	got := r.Header.Get(ProviderSignatureHeader)
	if got == "" {
		return SignatureAbsent
	}

	base := a.publicURL(r)
	candidates := []string{base + sortedParams(r)}
	if r.URL.RawQuery != "" {
		candidates = append(candidates, base+"?"+r.URL.RawQuery)
	}
	for _, c := range candidates {
		want := SignProvider(a.cfg.ProviderAuthToken, c)
		if hmac.Equal([]byte(want), []byte(got)) {
			return SignatureValid
		}
	}
	return SignatureInvalid
}

// SignProvider computes base64(HMAC-SHA1(authToken, data)).
func SignProvider(authToken, data string) string {
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// publicURL is the wire URL the provider dialled, without the query.
func (a *Authenticator) publicURL(r *http.Request) string {
	base := strings.TrimSuffix(a.cfg.PublicBaseURL, "/")
	if base == "" {
		base = "wss://" + r.Host
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + r.URL.Path
}

func sortedParams(r *http.Request) string {
	query := r.URL.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	return b.String()
}

package auth

import "errors"

// Denial reasons. Each sentinel error's Reason is what the audit log and the
// close frame carry.
var (
	ErrMissingCredential = newDenial("missing_credential")
	ErrSignatureMismatch = newDenial("signature_mismatch")
	ErrExpired           = newDenial("expired")
	ErrNotYetValid       = newDenial("not_yet_valid")
	ErrAudienceMismatch  = newDenial("audience_mismatch")
	ErrMalformedToken    = newDenial("malformed_token")
	ErrStaticMismatch    = newDenial("static_mismatch")
	ErrTokenReplayed     = newDenial("token_replayed")
	ErrProviderSignature = newDenial("provider_signature_invalid")
)

// Denial is an upgrade rejection with a stable, machine readable reason.
type Denial struct {
	Reason string
}

func newDenial(reason string) *Denial {
	return &Denial{Reason: reason}
}

func (d *Denial) Error() string {
	return "upgrade denied: " + d.Reason
}

// Reason extracts the denial reason from err, or "" if err is not a denial.
func Reason(err error) string {
	var d *Denial
	if errors.As(err, &d) {
		return d.Reason
	}
	return ""
}

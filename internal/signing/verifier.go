package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	apperrors "github.com/jwalitptl/mailgate/pkg/errors"
)

// tokenLength is fixed by the provider's webhook contract.
const tokenLength = 50

// Signature is the signature block of an inbound webhook payload.
type Signature struct {
	Timestamp string `json:"timestamp"`
	Token     string `json:"token"`
	Signature string `json:"signature"`
}

// Verifier authenticates webhook callbacks against the shared signing key.
type Verifier struct {
	signingKey []byte
}

func NewVerifier(signingKey string) *Verifier {
	return &Verifier{signingKey: []byte(signingKey)}
}

// Verify checks the HMAC-SHA256 over timestamp||token. A malformed
// signature block is invalid, not an error; the only error returned is the
// missing-key configuration fault, so operators can tell "nobody configured
// this" apart from "an attacker sent a bad signature".
func (v *Verifier) Verify(sig Signature) (bool, error) {
	if len(v.signingKey) == 0 {
		return false, apperrors.Unauthorized(errors.New("webhook signing key is not configured"))
	}

	if sig.Timestamp == "" || sig.Token == "" || sig.Signature == "" {
		return false, nil
	}
	if len(sig.Token) != tokenLength {
		return false, nil
	}

	mac := hmac.New(sha256.New, v.signingKey)
	mac.Write([]byte(sig.Timestamp + sig.Token))
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(sig.Signature)
	if err != nil {
		return false, nil
	}

	return hmac.Equal(expected, provided), nil
}

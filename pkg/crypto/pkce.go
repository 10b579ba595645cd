package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/Prophet73/aihub/pkg/models"
)

// VerifyPKCE checks a code verifier against the challenge stored with the
// authorization code (RFC 7636 section 4.6). The comparison is constant time
// for both methods.
func VerifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return fmt.Errorf("code_verifier length must be between 43 and 128")
	}

	var computed string
	switch method {
	case models.PKCEMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	case models.PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match challenge")
	}
	return nil
}

// ValidChallengeMethod reports whether method is a supported PKCE method.
func ValidChallengeMethod(method string) bool {
	return method == models.PKCEMethodS256 || method == models.PKCEMethodPlain
}

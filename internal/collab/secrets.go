package collab

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// SecretRouter resolves opaque secret handles by scheme. plain:// handles
// carry their value inline and exist for development; kms:// handles are
// kms://<key-id>/<base64-ciphertext> decrypted through AWS KMS. Resolved
// plaintext goes to the caller only, never to logs.
type SecretRouter struct {
	kmsClient *kms.Client
}

func NewSecretRouter(kmsClient *kms.Client) *SecretRouter {
	return &SecretRouter{kmsClient: kmsClient}
}

func (r *SecretRouter) Resolve(ctx context.Context, handle string) (string, error) {
	scheme, rest, found := strings.Cut(handle, "://")
	if !found {
		return "", fmt.Errorf("secret handle has no scheme")
	}
	switch scheme {
	case "plain":
		return rest, nil
	case "kms":
		return r.decrypt(ctx, rest)
	}
	return "", fmt.Errorf("unsupported secret scheme %q", scheme)
}

func (r *SecretRouter) decrypt(ctx context.Context, rest string) (string, error) {
	if r.kmsClient == nil {
		return "", fmt.Errorf("kms secrets are not configured")
	}
	keyID, ciphertext, err := parseKMSHandle(rest)
	if err != nil {
		return "", err
	}
	out, err := r.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(keyID),
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return "", fmt.Errorf("decrypting secret: %w", err)
	}
	return string(out.Plaintext), nil
}

// parseKMSHandle splits <key-id>/<base64-ciphertext>. Key ids carry no
// slashes, so the first one delimits the payload; the base64 itself may
// contain more.
func parseKMSHandle(rest string) (string, []byte, error) {
	keyID, encoded, found := strings.Cut(rest, "/")
	if !found || keyID == "" || encoded == "" {
		return "", nil, fmt.Errorf("kms handle needs a key id and ciphertext")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("decoding secret handle: %w", err)
	}
	return keyID, ciphertext, nil
}

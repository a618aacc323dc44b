package collab

import (
	"context"
	"encoding/base64"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileFetcher_ServesAndConfines(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "doc.txt"), []byte("hello"), 0o644))

	f := &FileFetcher{Root: root}
	rc, err := f.Fetch(context.Background(), "file://doc.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = f.Fetch(context.Background(), "file://../../etc/passwd")
	require.Error(t, err)
}

func TestBlobRouter_DispatchesByScheme(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))

	router := NewBlobRouter(&FileFetcher{Root: root})
	rc, err := router.Fetch(context.Background(), "a.txt")
	require.NoError(t, err)
	rc.Close()

	_, err = router.Fetch(context.Background(), "s3://bucket/key")
	require.Error(t, err, "unregistered scheme is refused")
}

func TestSecretRouter_PlainAndUnknown(t *testing.T) {
	r := NewSecretRouter(nil)

	val, err := r.Resolve(context.Background(), "plain://postgres://u:p@host/db")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@host/db", val)

	_, err = r.Resolve(context.Background(), "vault://something")
	require.Error(t, err)

	_, err = r.Resolve(context.Background(), "no-scheme")
	require.Error(t, err)

	_, err = r.Resolve(context.Background(), "kms://Y2lwaGVy")
	require.Error(t, err, "kms without a client is refused")
}

func TestParseKMSHandle_SplitsKeyIDFromCiphertext(t *testing.T) {
	// Base64 output containing slashes must survive the key-id split.
	raw := []byte{0xff, 0xef, 0xbe, 0xff, 0xef}
	encoded := base64.StdEncoding.EncodeToString(raw)
	require.Contains(t, encoded, "/")

	keyID, ciphertext, err := parseKMSHandle("1234abcd-12ab-34cd-56ef-1234567890ab/" + encoded)
	require.NoError(t, err)
	assert.Equal(t, "1234abcd-12ab-34cd-56ef-1234567890ab", keyID)
	assert.Equal(t, raw, ciphertext)

	_, _, err = parseKMSHandle("no-separator")
	require.Error(t, err)

	_, _, err = parseKMSHandle("key-only/")
	require.Error(t, err)

	_, _, err = parseKMSHandle("key/%%%not-base64")
	require.Error(t, err)
}

func TestStaticResolver_ReadsHeaders(t *testing.T) {
	tenantID := uuid.New()
	req := httptest.NewRequest("POST", "/v1/scans", nil)
	req.Header.Set("X-Tenant-ID", tenantID.String())
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-Roles", "admin, auditor")

	p, err := StaticResolver{}.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, tenantID, p.TenantID)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, []string{"admin", "auditor"}, p.Roles)

	req.Header.Del("X-User-ID")
	_, err = StaticResolver{}.Resolve(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

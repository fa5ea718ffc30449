package oss

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempoworks/tempo/pkg/config"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/storage"
)

func newTestSigner() *Signer {
	s := NewSigner(config.OSSConfig{
		Endpoint:             "oss-cn-hangzhou.aliyuncs.com",
		Bucket:               "tempo-uploads",
		AccessKeyID:          "AKID",
		AccessKeySecret:      "sekrit",
		KeyPrefix:            "tempo",
		DefaultExpireSeconds: 300,
		MaxExpireSeconds:     3600,
		MaxObjectSizeBytes:   50 << 20,
	})
	s.now = func() time.Time { return time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC) }
	return s
}

func TestSign(t *testing.T) {
	signer := newTestSigner()

	resp, err := signer.Sign("acme", "u-7", models.PostSignatureRequest{
		Filename:    "quote.xlsx",
		ContentType: "application/vnd.ms-excel",
		Dir:         "uploads",
	})
	require.NoError(t, err)

	assert.Equal(t, "POST", resp.Method)
	assert.Equal(t, "https://tempo-uploads.oss-cn-hangzhou.aliyuncs.com", resp.URL)
	assert.Equal(t, time.Date(2026, 8, 25, 10, 5, 0, 0, time.UTC), resp.ExpireAt)

	key := resp.Fields["key"]
	assert.True(t, strings.HasPrefix(key, "tempo/tenant/acme/user/u-7/2026/08/25/uploads/"), key)
	assert.True(t, strings.HasSuffix(key, ".xlsx"), key)
	assert.Equal(t, resp.URL+"/"+key, resp.FileURL)
	assert.Equal(t, "AKID", resp.Fields["OSSAccessKeyId"])
	assert.Equal(t, "200", resp.Fields["success_action_status"])

	// The signature must verify against the policy with the shared secret.
	mac := hmac.New(sha1.New, []byte("sekrit"))
	mac.Write([]byte(resp.Fields["policy"]))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), resp.Fields["signature"])

	// The policy pins bucket, key prefix, size range, and content type.
	policyDoc, err := base64.StdEncoding.DecodeString(resp.Fields["policy"])
	require.NoError(t, err)
	var policy struct {
		Expiration string `json:"expiration"`
		Conditions []any  `json:"conditions"`
	}
	require.NoError(t, json.Unmarshal(policyDoc, &policy))
	assert.Equal(t, "2026-08-25T10:05:00Z", policy.Expiration)
	assert.Len(t, policy.Conditions, 4)
}

func TestSignUniqueKeys(t *testing.T) {
	signer := newTestSigner()

	a, err := signer.Sign("acme", "u-7", models.PostSignatureRequest{Filename: "a.pdf"})
	require.NoError(t, err)
	b, err := signer.Sign("acme", "u-7", models.PostSignatureRequest{Filename: "a.pdf"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Fields["key"], b.Fields["key"])
}

func TestSignExpiryClamp(t *testing.T) {
	signer := newTestSigner()

	resp, err := signer.Sign("acme", "u-7", models.PostSignatureRequest{
		Filename:      "a.pdf",
		ExpireSeconds: 86400,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC), resp.ExpireAt)
}

func TestSignValidation(t *testing.T) {
	signer := newTestSigner()

	_, err := signer.Sign("acme", "u-7", models.PostSignatureRequest{})
	assert.True(t, storage.IsValidationError(err))

	_, err = signer.Sign("acme", "u-7", models.PostSignatureRequest{Filename: "a.pdf", Dir: "../escape"})
	assert.True(t, storage.IsValidationError(err))
}

// Package oss issues browser-direct upload credentials: a signed POST
// policy scoped to a tenant/user key prefix. Objects never transit the
// kernel.
package oss

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tempoworks/tempo/pkg/config"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/storage"
)

// Signer builds signed POST policies for the configured bucket.
type Signer struct {
	cfg config.OSSConfig
	now func() time.Time
}

// NewSigner creates a signer from configuration.
func NewSigner(cfg config.OSSConfig) *Signer {
	return &Signer{cfg: cfg, now: time.Now}
}

// Sign produces the upload policy for one object. The object key embeds
// tenant, user, date, and a fresh UUID so uploads cannot collide or escape
// their tenant prefix.
func (s *Signer) Sign(tenantID, userID string, req models.PostSignatureRequest) (*models.PostSignatureResponse, error) {
	if req.Filename == "" {
		return nil, storage.NewValidationError("filename", "filename is required")
	}
	if strings.Contains(req.Dir, "..") {
		return nil, storage.NewValidationError("dir", "dir must not contain path traversal")
	}

	expire := req.ExpireSeconds
	if expire <= 0 {
		expire = s.cfg.DefaultExpireSeconds
	}
	if s.cfg.MaxExpireSeconds > 0 && expire > s.cfg.MaxExpireSeconds {
		expire = s.cfg.MaxExpireSeconds
	}

	now := s.now().UTC()
	expireAt := now.Add(time.Duration(expire) * time.Second)
	key := s.objectKey(tenantID, userID, req.Dir, req.Filename, now)
	keyPrefix := key[:strings.LastIndex(key, "/")+1]

	conditions := []any{
		map[string]string{"bucket": s.cfg.Bucket},
		[]any{"starts-with", "$key", keyPrefix},
		[]any{"content-length-range", 0, s.cfg.MaxObjectSizeBytes},
	}
	if req.ContentType != "" {
		conditions = append(conditions, map[string]string{"Content-Type": req.ContentType})
	}

	policyDoc, err := json.Marshal(map[string]any{
		"expiration": expireAt.Format(time.RFC3339),
		"conditions": conditions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode upload policy: %w", err)
	}
	policy := base64.StdEncoding.EncodeToString(policyDoc)

	mac := hmac.New(sha1.New, []byte(s.cfg.AccessKeySecret))
	mac.Write([]byte(policy))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	fields := map[string]string{
		"key":                   key,
		"policy":                policy,
		"signature":             signature,
		"OSSAccessKeyId":        s.cfg.AccessKeyID,
		"success_action_status": "200",
	}
	if req.ContentType != "" {
		fields["Content-Type"] = req.ContentType
	}

	return &models.PostSignatureResponse{
		Method:   "POST",
		URL:      s.bucketURL(),
		Fields:   fields,
		FileURL:  s.ObjectURL(key),
		ExpireAt: expireAt,
	}, nil
}

// ObjectURL is the canonical URL of an object by key.
func (s *Signer) ObjectURL(key string) string {
	return s.bucketURL() + "/" + key
}

func (s *Signer) bucketURL() string {
	endpoint := strings.TrimSuffix(s.cfg.Endpoint, "/")
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		scheme, host, _ := strings.Cut(endpoint, "://")
		return fmt.Sprintf("%s://%s.%s", scheme, s.cfg.Bucket, host)
	}
	return fmt.Sprintf("https://%s.%s", s.cfg.Bucket, endpoint)
}

func (s *Signer) objectKey(tenantID, userID, dir, filename string, now time.Time) string {
	parts := []string{
		s.cfg.KeyPrefix,
		"tenant", tenantID,
		"user", userID,
		now.Format("2006/01/02"),
	}
	if dir != "" {
		parts = append(parts, strings.Trim(dir, "/"))
	}
	parts = append(parts, uuid.NewString()+path.Ext(filename))
	return strings.TrimPrefix(path.Join(parts...), "/")
}

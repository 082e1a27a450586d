package s3

import (
	"fmt"
)

// R2Config holds Cloudflare R2-specific configuration.
type R2Config struct {
	AccountID  string
	BucketName string
	AccessKey  string // R2 API token access key id
	SecretKey  string // R2 API token secret
	Prefix     string
}

// Config converts to a Store configuration. The R2 endpoint is
// https://<accountid>.r2.cloudflarestorage.com with region "auto".
func (c R2Config) Config() (Config, error) {
	if c.AccountID == "" {
		return Config{}, fmt.Errorf("R2 account id is required")
	}
	return Config{
		Bucket:          c.BucketName,
		Region:          "auto",
		Endpoint:        "https://" + R2EndpointForAccount(c.AccountID),
		AccessKeyID:     c.AccessKey,
		SecretAccessKey: c.SecretKey,
		Prefix:          c.Prefix,
	}, nil
}

// R2EndpointForAccount returns the R2 endpoint host for an account id.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID looks like a Cloudflare
// account id (32 hex characters).
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHex {
			return false
		}
	}
	return true
}

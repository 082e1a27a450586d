package models

import "time"

// RetentionPolicy bounds how long clean records of an entity type stay on the device.
type RetentionPolicy struct {
	MaxAgeDays int `json:"max_age_days"`
	// AppliesToSyncedOnly limits eviction to quota pressure. When false the
	// policy is also applied as routine cleanup on every enforcement.
	AppliesToSyncedOnly bool `json:"applies_to_synced_only"`
}

// MaxAge returns the policy window as a duration.
func (p RetentionPolicy) MaxAge() time.Duration {
	return time.Duration(p.MaxAgeDays) * 24 * time.Hour
}

// Cutoff returns the newest CreatedAt (unix ms) that is old enough to evict at now.
func (p RetentionPolicy) Cutoff(now time.Time) int64 {
	return now.Add(-p.MaxAge()).UnixMilli()
}

// Eligible reports whether rec may be evicted under the policy at now.
func (p RetentionPolicy) Eligible(rec *Record, now time.Time) bool {
	return rec.SyncState == SyncStateClean && rec.CreatedAt < p.Cutoff(now)
}

// StorageBudget describes local storage usage against its limits.
type StorageBudget struct {
	CurrentBytes   int64 `json:"current_bytes"`
	SoftLimitBytes int64 `json:"soft_limit_bytes"`
	HardLimitBytes int64 `json:"hard_limit_bytes"`
}

// OverSoft reports whether usage exceeds the soft limit.
func (b StorageBudget) OverSoft() bool {
	return b.SoftLimitBytes > 0 && b.CurrentBytes > b.SoftLimitBytes
}

// OverHard reports whether usage exceeds the hard limit.
func (b StorageBudget) OverHard() bool {
	return b.HardLimitBytes > 0 && b.CurrentBytes > b.HardLimitBytes
}

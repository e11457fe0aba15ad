package models

import "time"

// UsageRecord is one row per (user, feature, calendar day) with an
// incrementing count. Increments happen with a single atomic upsert so
// concurrent requests never lose updates. Rows age out naturally; a retention
// job is out of scope here.
type UsageRecord struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	UserID uint `gorm:"not null;uniqueIndex:ux_usage_user_feature_day,priority:1" json:"user_id"`

	Feature string `gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_user_feature_day,priority:2" json:"feature"`
	// Day is the UTC calendar day in YYYY-MM-DD form.
	Day   string `gorm:"type:varchar(10);not null;uniqueIndex:ux_usage_user_feature_day,priority:3;index" json:"day"`
	Count int64  `gorm:"not null;default:0" json:"count"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

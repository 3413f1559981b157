package store

import "time"

// KVRecord is the relational row backing SQLiteKV.
type KVRecord struct {
	Key       string    `gorm:"primaryKey;size:255"`
	Value     []byte    `gorm:"type:blob"`
	UpdatedAt time.Time
}

func (KVRecord) TableName() string { return "kv_records" }

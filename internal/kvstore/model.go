package kvstore

import "time"

// Row is the uniform persisted shape shared by both storage drivers.
type Row struct {
	Key       string    `gorm:"column:key;primaryKey;size:190;not null"`
	Value     string    `gorm:"column:value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "kv_rows"
}

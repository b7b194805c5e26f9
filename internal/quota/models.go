package quota

import "time"

// Counter is an owner's consumed units for one quota day.
type Counter struct {
	OwnerID   string    `gorm:"primaryKey;type:varchar(128)"`
	DateKey   string    `gorm:"primaryKey;type:varchar(10)"`
	Consumed  int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (Counter) TableName() string { return "quota_counters" }

package models

import (
	"time"
)

// Lock is a lease granting exclusive ownership of a name until ExpiresAt.
// At most one live row exists per name; acquisition is an atomic
// create-if-absent after pruning expired rows.
type Lock struct {
	Name      string `gorm:"primaryKey"`
	Owner     string
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// TableName specifies the db table name
func (*Lock) TableName() string {
	return "schedd_locks"
}

// Expired reports whether the lease has lapsed at the given time
func (l *Lock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

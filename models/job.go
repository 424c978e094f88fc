package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm/schema"
)

// JobFrequency is how often a job recurs
type JobFrequency string

// Supported job frequencies
const (
	FrequencyHourly JobFrequency = "hourly"
	FrequencyDaily  JobFrequency = "daily"
	FrequencyWeekly JobFrequency = "weekly"
)

// Job is a persistent recurring scheduling intent.
// Weekday uses Monday=0 and is only set for weekly jobs.
type Job struct {
	ID        int64 `gorm:"primaryKey"`
	Name      string
	Enabled   bool
	Frequency JobFrequency
	ByHour    int
	ByMinute  int
	Weekday   sql.NullInt64
	JitterSec int

	// Executor parameters. The scheduler forwards these opaquely.
	SourceURL      string
	OutputRoot     string
	PreferredLangs Langs
	DoDownload     bool

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TableName specifies the db table name
func (*Job) TableName() string {
	return "schedd_jobs"
}

// Langs holds language preferences. It is serialized to JSON for DB storage
type Langs []string

// GormDataType .
func (Langs) GormDataType() string {
	return string(schema.String)
}

// Scan implements sql.Scanner
func (l *Langs) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, l)
	case string:
		return json.Unmarshal([]byte(data), l)
	}
	return fmt.Errorf("failed to unmarshal langs value: %v", value)
}

// Value implements driver.Valuer
func (l Langs) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

package schedd

import (
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
)

// Supported database dialects
const (
	DialectSQLite    = "sqlite"
	DialectPostgres  = "postgres"
	DialectMySQL     = "mysql"
	DialectSQLServer = "sqlserver"
)

// Open connects to the scheduler database. SQLite works for a single
// process; use postgres, mysql or sqlserver when several processes share
// the lock table.
func Open(dialect, dsn string, config *gorm.Config) (*gorm.DB, error) {
	if config == nil {
		config = &gorm.Config{}
	}

	var dialector gorm.Dialector
	switch dialect {
	case DialectSQLite:
		dialector = sqlite.Open(dsn)
	case DialectPostgres:
		dialector = postgres.Open(dsn)
	case DialectMySQL:
		dialector = mysql.Open(dsn)
	case DialectSQLServer:
		dialector = sqlserver.Open(dsn)
	default:
		return nil, errors.New("unsupported database dialect: " + dialect)
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, errors.Wrap(err, "could not open database")
	}

	if dialect == DialectSQLite {
		// SQLite does not cope with concurrent connections
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

package repository

import (
	"strings"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// dryRunDB renders statements for the Postgres dialect without a server.
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=127.0.0.1 user=leafscan dbname=leafscan sslmode=disable",
	}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               logger.Discard,
	})
	if err != nil {
		t.Fatalf("open dry-run db: %v", err)
	}
	return db
}

func TestAggregateQueryUsesFilterClauses(t *testing.T) {
	db := dryRunDB(t)
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var rows []aggregateRow
		return aggregateQuery(tx).Find(&rows)
	})

	for _, want := range []string{
		"COUNT(*) AS total_count",
		"COUNT(*) FILTER (WHERE status = 'succeeded') AS success_count",
		"COALESCE(AVG(confidence) FILTER (WHERE status = 'succeeded'), 0) AS average_confidence",
		"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
		`FROM "prediction_logs"`,
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("expected %q in %s", want, sql)
		}
	}
}

func TestClassQueryGroupsSucceededRows(t *testing.T) {
	db := dryRunDB(t)
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var rows []classRow
		return classQuery(tx).Find(&rows)
	})

	for _, want := range []string{
		"SELECT class, COUNT(*) AS count",
		`FROM "prediction_logs"`,
		"WHERE status = 'succeeded'",
		`GROUP BY "class"`,
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("expected %q in %s", want, sql)
		}
	}
}

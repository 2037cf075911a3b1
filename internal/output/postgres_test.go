package output

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/jackzampolin/sift/internal/schema"
	"github.com/jackzampolin/sift/internal/testutil"
)

func TestNewPostgresSinkTableName(t *testing.T) {
	tests := []struct {
		table string
		want  string
		ok    bool
	}{
		{"", DefaultTable, true},
		{"records_2024", "records_2024", true},
		{"drop table x;--", "", false},
		{"1records", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			s, err := NewPostgresSink(&sql.DB{}, tt.table, nil)
			if !tt.ok {
				if err == nil {
					t.Fatal("expected invalid table error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPostgresSink() error = %v", err)
			}
			if s.Table() != tt.want {
				t.Errorf("Table() = %s, want %s", s.Table(), tt.want)
			}
		})
	}
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), PostgresConfig{}); err == nil {
		t.Fatal("expected error without DSN")
	}
}

func TestPostgresSinkIntegration(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	ctx := context.Background()
	table := testutil.TableName("sift_test")

	sink, err := OpenPostgres(ctx, PostgresConfig{DSN: dsn, Table: table, Logger: testutil.Logger(t)})
	if err != nil {
		t.Fatalf("OpenPostgres() error = %v", err)
	}
	t.Cleanup(func() {
		_, _ = sink.db.ExecContext(context.Background(), fmt.Sprintf("drop table if exists %s", table))
		sink.Close()
	})

	batch := Batch{
		RunID:   "run-1",
		Task:    "Task001_people",
		RunName: "run",
		Model:   "mistral-nemo",
		Rows: []schema.Object{
			{{Key: "text", Value: "a"}, {Key: "name", Value: "Ann"}, {Key: "status", Value: "success"}, {Key: "retry_count", Value: 0}},
			{{Key: "text", Value: "b"}, {Key: "name", Value: ""}, {Key: "status", Value: "failed"}, {Key: "retry_count", Value: 3}},
		},
	}
	if err := sink.Write(ctx, batch); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	// Rewriting the same run replaces rows instead of duplicating them.
	batch.Rows[1] = schema.Object{{Key: "text", Value: "b"}, {Key: "name", Value: "Bo"}, {Key: "status", Value: "repaired"}, {Key: "retry_count", Value: 1}}
	if err := sink.Write(ctx, batch); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	counts, err := sink.CountByStatus(ctx, "Task001_people", "run")
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts["success"] != 1 || counts["repaired"] != 1 || counts["failed"] != 0 {
		t.Errorf("unexpected counts: %v", counts)
	}

	var name string
	q := fmt.Sprintf("select record->>'name' from %s where row_index = 1", table)
	if err := sink.db.QueryRowContext(ctx, q).Scan(&name); err != nil {
		t.Fatalf("select: %v", err)
	}
	if name != "Bo" {
		t.Errorf("record name = %q, want Bo", name)
	}
}

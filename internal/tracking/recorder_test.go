package tracking

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"claude-code-proxy/config"
	"claude-code-proxy/internal/relay"
)

func testTrackingConfig(dbPath string) config.TrackingConfig {
	cfg := config.TrackingConfig{
		Enabled:       true,
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
	}
	if dbPath != "" {
		cfg.Database = &config.DatabaseBackendConfig{
			Type: "sqlite",
			Path: dbPath,
		}
	}
	return cfg
}

func TestRecorder_StatsWithoutDatabase(t *testing.T) {
	rec, err := NewRecorder(testTrackingConfig(""), slog.Default())
	require.NoError(t, err)
	defer rec.Close()

	rec.RecordAttempt("req-1", &relay.AttemptRecord{Number: 1, Outcome: relay.OutcomeFailed, Kind: relay.KindTimeout})
	rec.RecordAttempt("req-1", &relay.AttemptRecord{Number: 2, Outcome: relay.OutcomeSuccess})
	rec.RecordRequest("req-1", 2, relay.OutcomeSuccess, relay.KindUnknown, 100*time.Millisecond)
	rec.RecordRequest("req-2", 1, relay.OutcomeFailed, relay.KindAuth, 10*time.Millisecond)
	rec.RecordRequest("req-3", 3, relay.OutcomeExhausted, relay.KindUpstreamServer, time.Second)

	stats := rec.Stats()
	require.Equal(t, int64(3), stats.TotalRequests)
	require.Equal(t, int64(2), stats.TotalAttempts)
	require.Equal(t, int64(1), stats.Succeeded)
	require.Equal(t, int64(1), stats.Failed)
	require.Equal(t, int64(1), stats.Exhausted)
	require.Equal(t, int64(1), stats.RetriedAttempts)
	require.Equal(t, int64(0), stats.DroppedEvents)
}

func TestRecorder_PersistsToSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tracking.db")

	rec, err := NewRecorder(testTrackingConfig(dbPath), slog.Default())
	require.NoError(t, err)

	rec.RecordAttempt("req-1", &relay.AttemptRecord{
		Number:     1,
		Outcome:    relay.OutcomeFailed,
		Kind:       relay.KindConnection,
		Elapsed:    20 * time.Millisecond,
		ChunkCount: 0,
	})
	rec.RecordAttempt("req-1", &relay.AttemptRecord{
		Number:     2,
		Outcome:    relay.OutcomeSuccess,
		TTFB:       15 * time.Millisecond,
		ChunkCount: 42,
		Elapsed:    300 * time.Millisecond,
	})
	rec.RecordRequest("req-1", 2, relay.OutcomeSuccess, relay.KindUnknown, 320*time.Millisecond)

	// Close会排空缓冲并完成最终写入
	require.NoError(t, rec.Close())

	adapter, err := NewDatabaseAdapter(DatabaseConfig{Type: "sqlite", DatabasePath: dbPath})
	require.NoError(t, err)
	require.NoError(t, adapter.Open())
	defer adapter.Close()

	db := adapter.GetDB()

	var attempts int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM attempt_logs WHERE request_id = ?", "req-1").Scan(&attempts))
	require.Equal(t, 2, attempts)

	var chunkCount int64
	require.NoError(t, db.QueryRow(
		"SELECT chunk_count FROM attempt_logs WHERE request_id = ? AND attempt_number = 2", "req-1").Scan(&chunkCount))
	require.Equal(t, int64(42), chunkCount)

	var outcome, kind string
	var totalAttempts int
	require.NoError(t, db.QueryRow(
		"SELECT final_outcome, error_kind, total_attempts FROM request_logs WHERE request_id = ?", "req-1").
		Scan(&outcome, &kind, &totalAttempts))
	require.Equal(t, "success", outcome)
	require.Equal(t, "unknown", kind)
	require.Equal(t, 2, totalAttempts)
}

func TestRecorder_SummaryReplacedOnRewrite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tracking.db")

	rec, err := NewRecorder(testTrackingConfig(dbPath), slog.Default())
	require.NoError(t, err)

	rec.RecordRequest("req-1", 1, relay.OutcomeFailed, relay.KindTimeout, 50*time.Millisecond)
	rec.RecordRequest("req-1", 3, relay.OutcomeSuccess, relay.KindUnknown, 200*time.Millisecond)
	require.NoError(t, rec.Close())

	adapter, err := NewDatabaseAdapter(DatabaseConfig{Type: "sqlite", DatabasePath: dbPath})
	require.NoError(t, err)
	require.NoError(t, adapter.Open())
	defer adapter.Close()

	var count int
	db := adapter.GetDB()
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM request_logs").Scan(&count))
	require.Equal(t, 1, count)

	var outcome string
	require.NoError(t, db.QueryRow("SELECT final_outcome FROM request_logs WHERE request_id = ?", "req-1").Scan(&outcome))
	require.Equal(t, "success", outcome)
}

func TestDatabaseAdapter_TypeInference(t *testing.T) {
	adapter, err := NewDatabaseAdapter(DatabaseConfig{DatabasePath: "x.db"})
	require.NoError(t, err)
	require.Equal(t, "sqlite", adapter.GetDatabaseType())

	adapter, err = NewDatabaseAdapter(DatabaseConfig{Host: "db.local", Database: "relay", Username: "relay"})
	require.NoError(t, err)
	require.Equal(t, "mysql", adapter.GetDatabaseType())
}

func TestSplitSQLStatements(t *testing.T) {
	schema := `-- comment line
CREATE TABLE a (id INT);

CREATE INDEX idx_a ON a(id);
`
	statements := splitSQLStatements(schema)
	require.Len(t, statements, 2)
	require.Contains(t, statements[0], "CREATE TABLE a")
	require.Contains(t, statements[1], "CREATE INDEX idx_a")
}

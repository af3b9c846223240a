package integration

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// uriEnv names the MongoDB deployment the integration tests run against,
// e.g. mongodb://localhost:27017. Tests are skipped when it is unset. A
// standalone server works; dispatch then runs on polling because change
// streams need a replica set.
const uriEnv = "MONQUE_TEST_MONGO_URI"

// setupTestDB connects to the test deployment and returns a database unique
// to this test. The database is dropped and the client disconnected when the
// test ends.
func setupTestDB(t *testing.T) *mongo.Database {
	t.Helper()

	uri := os.Getenv(uriEnv)
	if uri == "" {
		t.Skipf("set %s to run integration tests", uriEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx, nil))

	db := client.Database(fmt.Sprintf("monque_test_%d", time.Now().UTC().UnixNano()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return db
}

// testLogger routes scheduler logs through t.Logf so they show up interleaved
// with the test's own output and only when the test fails or -v is set.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/youyaku/internal/testutil"
)

// TestPostgresStore needs Docker; set YOUYAKU_INTEGRATION=1 to run it.
func TestPostgresStore(t *testing.T) {
	if os.Getenv("YOUYAKU_INTEGRATION") == "" {
		t.Skip("set YOUYAKU_INTEGRATION=1 to run container-backed tests")
	}

	tc := testutil.MustStartPostgres()
	t.Cleanup(tc.Terminate)

	ctx := context.Background()
	st, err := NewPostgres(ctx, tc.DSN, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(ctx) })

	conformance(t, st)
}

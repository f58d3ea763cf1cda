package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/geebatch/internal/engine"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

// startServer serves sim over an in-memory listener and returns a client.
func startServer(t *testing.T, eng engine.Engine) *engine.GRPCClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(eng, zerolog.Nop())

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-served
	})
	return engine.NewGRPCClient(conn)
}

func newSimulator(t *testing.T) *engine.Simulator {
	t.Helper()
	sim, err := engine.NewSimulator(engine.SimulatorConfig{Workers: 2, Latency: 5 * time.Millisecond, Seed: 1})
	require.NoError(t, err)
	t.Cleanup(func() { sim.Close() })
	return sim
}

func waitTerminal(t *testing.T, eng engine.Engine, id types.JobID) types.RemoteStatus {
	t.Helper()
	var st types.RemoteStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = eng.Status(context.Background(), id)
		return err == nil && st.State.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func TestStartAndStatusOverGRPC(t *testing.T) {
	client := startServer(t, newSimulator(t))
	ctx := context.Background()

	id, err := client.Start(ctx, types.KindImageExport, map[string]interface{}{
		"description": "tile_0.00_0.00",
		"scale":       30,
		"region":      []interface{}{0.0, 0.0, 5.0, 5.0},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	st := waitTerminal(t, client, id)
	assert.Equal(t, types.StateCompleted, st.State)
	assert.Empty(t, st.Error)
}

func TestFailedJobCarriesError(t *testing.T) {
	client := startServer(t, newSimulator(t))

	id, err := client.Start(context.Background(), types.KindTableExport, map[string]interface{}{engine.ParamFail: true})
	require.NoError(t, err)

	st := waitTerminal(t, client, id)
	assert.Equal(t, types.StateFailed, st.State)
	assert.Contains(t, st.Error, "table-export")
}

func TestCancelOverGRPC(t *testing.T) {
	client := startServer(t, newSimulator(t))
	ctx := context.Background()

	id, err := client.Start(ctx, types.KindVideoExport, map[string]interface{}{engine.ParamLatencyMS: 60000})
	require.NoError(t, err)
	require.NoError(t, client.Cancel(ctx, id))

	st := waitTerminal(t, client, id)
	assert.Equal(t, types.StateCancelled, st.State)
	assert.NoError(t, client.Cancel(ctx, id), "cancelling a terminal job is a no-op")
}

func TestErrorMapping(t *testing.T) {
	client := startServer(t, newSimulator(t))
	ctx := context.Background()

	_, err := client.Status(ctx, "01NOPE")
	assert.ErrorIs(t, err, engine.ErrUnknownJob)

	err = client.Cancel(ctx, "01NOPE")
	assert.ErrorIs(t, err, engine.ErrUnknownJob)

	_, err = client.Start(ctx, types.JobKind("mosaic"), nil)
	assert.ErrorIs(t, err, engine.ErrUnsupportedKind)

	_, err = client.Start(ctx, types.KindCompute, map[string]interface{}{engine.ParamStartError: true})
	assert.Error(t, err)
}

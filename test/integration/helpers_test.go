package integration

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/geebatch/internal/batch"
	"github.com/ChuLiYu/geebatch/internal/controller"
	"github.com/ChuLiYu/geebatch/internal/engine"
	"github.com/ChuLiYu/geebatch/internal/launcher"
	"github.com/ChuLiYu/geebatch/internal/monitor"
	"github.com/ChuLiYu/geebatch/internal/server"
	"github.com/ChuLiYu/geebatch/internal/snapshot"
	"github.com/ChuLiYu/geebatch/internal/store"
)

// remote is a simulated engine behind a real gRPC server on an in-memory
// listener. Every dial returns a fresh client, the way a second process
// would connect.
type remote struct {
	lis *bufconn.Listener
}

func startRemote(t *testing.T, cfg engine.SimulatorConfig) *remote {
	t.Helper()
	sim, err := engine.NewSimulator(cfg)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.NewServer(sim, zerolog.Nop()).Serve(ctx, lis) }()

	t.Cleanup(func() {
		cancel()
		<-served
		sim.Close()
	})
	return &remote{lis: lis}
}

func (r *remote) dial(t *testing.T) *engine.GRPCClient {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return r.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return engine.NewGRPCClient(conn)
}

// workspace is the on-disk state shared by consecutive controllers.
type workspace struct {
	store *store.Store
	snap  *snapshot.Manager
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &workspace{store: st, snap: snapshot.NewManager(filepath.Join(dir, "jobs.json"))}
}

// controller builds a fast-polling controller over eng.
func (w *workspace) controller(eng engine.Engine) *controller.Controller {
	return controller.New(eng,
		controller.WithLauncher(launcher.New(eng, launcher.WithPause(0))),
		controller.WithMonitorOptions(
			monitor.WithPollInterval(10*time.Millisecond),
			monitor.WithConcurrency(4),
			monitor.WithMaxSweeps(1000)),
		controller.WithRunner(batch.NewRunner(batch.WithPause(0))),
		controller.WithStore(w.store),
		controller.WithSnapshot(w.snap),
	)
}

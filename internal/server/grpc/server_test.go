package grpc_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bwu32/canbus/internal/canbus/attack"
	"github.com/bwu32/canbus/internal/canbus/engine/enginetest"
	"github.com/bwu32/canbus/internal/client"
	simgrpc "github.com/bwu32/canbus/internal/server/grpc"
)

type fixture struct {
	sim    *enginetest.Simulator
	server *simgrpc.Server
	client *client.Client
	conn   *grpc.ClientConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	sim := enginetest.New()
	server := simgrpc.NewServer(0, sim, 10*time.Millisecond)
	require.NoError(t, server.Serve(lis))
	require.Error(t, server.Serve(lis), "second Serve must fail")

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})

	c := client.NewClient("passthrough:///bufnet")
	require.NoError(t, c.Connect(dialer))

	conn, err := grpc.NewClient("passthrough:///bufnet",
		dialer, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		c.Disconnect()
		server.Stop()
	})
	return &fixture{sim: sim, server: server, client: c, conn: conn}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestGetState(t *testing.T) {
	f := newFixture(t)

	state, err := f.client.GetState(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, "test-run", state.RunID)
	assert.Equal(t, uint64(42), state.BusStats.TotalMessages)
	assert.Contains(t, state.SecurityMeasures, "encryption")
	assert.InDelta(t, 0.4, state.Controllers["BrakeECU"].AvgLatency, 1e-9)

	st, err := f.client.GetAttackStatus(ctx(t))
	require.NoError(t, err)
	assert.Len(t, st.Statistics, 3)
}

func TestToggleSecurity(t *testing.T) {
	f := newFixture(t)

	res, err := f.client.ToggleSecurity(ctx(t), "authentication", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "authentication enabled", res.Message)
	assert.True(t, f.sim.Measure("authentication"))

	res, err = f.client.ToggleSecurity(ctx(t), "firewall", true)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "firewall")
}

func TestToggleSecurityInvalidArgument(t *testing.T) {
	f := newFixture(t)

	for name, fields := range map[string]map[string]interface{}{
		"missing measure": {"enabled": true},
		"missing enabled": {"measure": "ids"},
		"enabled string":  {"measure": "ids", "enabled": "yes"},
		"measure number":  {"measure": 3, "enabled": true},
	} {
		t.Run(name, func(t *testing.T) {
			req, err := structpb.NewStruct(fields)
			require.NoError(t, err)

			err = f.conn.Invoke(ctx(t), simgrpc.MethodToggleSecurity, req, &structpb.Struct{})
			require.Error(t, err)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
	assert.Zero(t, f.sim.Toggles())
}

func TestAttackCommands(t *testing.T) {
	f := newFixture(t)

	res, err := f.client.StartAttack(ctx(t), attack.NameReplay)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = f.client.StartAttack(ctx(t), attack.NameReplay)
	require.NoError(t, err)
	assert.False(t, res.Success)

	st, err := f.client.GetAttackStatus(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{attack.NameReplay}, st.ActiveAttacks)

	res, err = f.client.StopAttack(ctx(t), attack.NameReplay)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = f.client.StopAttack(ctx(t), attack.NameReplay)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestWatchState(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.sim.StartAttack(attack.NameSpoofing))

	errDone := errors.New("done")
	var snaps []*simgrpc.Snapshot
	err := f.client.Watch(ctx(t), func(s *simgrpc.Snapshot) error {
		snaps = append(snaps, s)
		if len(snaps) == 3 {
			return errDone
		}
		return nil
	})
	require.ErrorIs(t, err, errDone)
	require.Len(t, snaps, 3)
	assert.Equal(t, "test-run", snaps[0].Simulation.RunID)
	assert.Equal(t, []string{attack.NameSpoofing}, snaps[2].Attacks.ActiveAttacks)
}

func TestClientNotConnected(t *testing.T) {
	c := client.NewClient("passthrough:///bufnet")
	assert.False(t, c.IsConnected())

	_, err := c.GetState(context.Background())
	assert.Error(t, err)
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.server.IsRunning())
	f.server.Stop()
	assert.False(t, f.server.IsRunning())
	f.server.Stop()
}

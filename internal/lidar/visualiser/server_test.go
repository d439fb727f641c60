package visualiser

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/lidar/publish"
	"github.com/cogip/shmlidar/internal/monitoring"
	"github.com/cogip/shmlidar/internal/testutil"
)

const bufSize = 1024 * 1024

func startServer(t *testing.T, cfg Config) (*Server, *ScanStreamClient) {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	lis := bufconn.Listen(bufSize)
	srv := NewServer(cfg)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, NewScanStreamClient(conn)
}

func testScan(seq uint64) *publish.Published {
	return &publish.Published{
		SessionID:   uuid.MustParse("6f1c1a0e-9a57-4f0e-8d2b-0c5a3c1f0b11"),
		ScanID:      uuid.New(),
		Seq:         seq,
		Time:        time.Unix(1700000000, 123456789),
		Points:      []lidar.Point{{Angle: 359.5, Range: 812, Intensity: 40}, {Angle: 0.5, Range: 820.25, Intensity: 41}},
		NodeCount:   416,
		FrequencyHz: 12.1,
		Duration:    82 * time.Millisecond,
	}
}

func TestServer_StreamsPublishedScans(t *testing.T) {
	srv, client := startServer(t, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.StreamScans(ctx)
	require.NoError(t, err)
	testutil.WaitFor(t, 2*time.Second, func() bool { return srv.ClientCount() == 1 }, "client registered")

	scan := testScan(5)
	srv.ScanPublished(scan)

	msg, err := stream.Recv()
	require.NoError(t, err)
	f := msg.GetFields()
	assert.Equal(t, "6f1c1a0e-9a57-4f0e-8d2b-0c5a3c1f0b11", f["session_id"].GetStringValue())
	assert.Equal(t, scan.ScanID.String(), f["scan_id"].GetStringValue())
	assert.Equal(t, 5.0, f["seq"].GetNumberValue())
	assert.Equal(t, "2023-11-14T22:13:20.123456789Z", f["time"].GetStringValue())
	assert.Equal(t, 416.0, f["node_count"].GetNumberValue())
	assert.Equal(t, 82.0, f["duration_ms"].GetNumberValue())

	points, err := StructToPoints(msg)
	require.NoError(t, err)
	if diff := cmp.Diff(scan.Points, points); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}

	cancel()
	testutil.WaitFor(t, 2*time.Second, func() bool { return srv.ClientCount() == 0 }, "client removed")
	assert.Equal(t, uint64(1), srv.Stats().Sent)
}

func TestServer_NoClientsIsNoop(t *testing.T) {
	srv := NewServer(Config{})
	srv.ScanPublished(testScan(1))
	assert.Equal(t, ServerStats{}, srv.Stats())
}

func TestServer_SlowClientDropsScans(t *testing.T) {
	srv := NewServer(Config{ClientBuffer: 1})
	_, _, err := srv.addClient()
	require.NoError(t, err)

	srv.ScanPublished(testScan(1))
	srv.ScanPublished(testScan(2))
	srv.ScanPublished(testScan(3))
	assert.Equal(t, uint64(2), srv.Stats().Dropped)
}

func TestServer_MaxClients(t *testing.T) {
	srv, client := startServer(t, Config{MaxClients: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.StreamScans(ctx)
	require.NoError(t, err)
	testutil.WaitFor(t, 2*time.Second, func() bool { return srv.ClientCount() == 1 }, "first client")

	second, err := client.StreamScans(ctx)
	require.NoError(t, err)
	_, err = second.Recv()
	assert.ErrorContains(t, err, "too many clients")
}

func TestStructToPoints_RejectsMismatchedLists(t *testing.T) {
	msg, err := ScanToStruct(testScan(1))
	require.NoError(t, err)
	msg.Fields["ranges"].GetListValue().Values = msg.Fields["ranges"].GetListValue().Values[:1]
	_, err = StructToPoints(msg)
	assert.Error(t, err)
}

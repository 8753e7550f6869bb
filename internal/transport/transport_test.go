package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/swarmguard/taskcore/internal/coretypes"
	"github.com/swarmguard/taskcore/internal/discovery"
	"github.com/swarmguard/taskcore/internal/registry"
	"github.com/swarmguard/taskcore/internal/supervisor"
)

// loopbackDialer wires grpc.NewClient to an in-process bufconn listener
// instead of a real socket, so this test exercises the real JSON-codec
// wire path without binding a port.
func loopbackDialer(t *testing.T, node coretypes.NodeID, sup *supervisor.Supervisor, reg *discovery.Registry) (*grpc.ClientConn, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)

	srv := NewServer(node, sup, reg)
	go srv.grpcServer.Serve(lis)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}

	return cc, func() {
		cc.Close()
		srv.grpcServer.Stop()
	}
}

func TestGRPCStartWorkerAndLifecycleOverBufconn(t *testing.T) {
	meter := otel.Meter("test")
	reg := registry.New()
	sup := supervisor.New(supervisor.Options{Node: "node-a"}, reg, meter)
	disc := discovery.New(discovery.Options{LocalNode: "node-a"}, meter)

	cc, closeFn := loopbackDialer(t, "node-a", sup, disc)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The server forwards only events emitted after the subscription
	// exists, so subscribe first and give the worker time to outlast the
	// subscription's setup.
	reg.Register("slow_echo", func(ctx context.Context, input, _ []byte) ([]byte, error) {
		time.Sleep(100 * time.Millisecond)
		return input, nil
	})

	stream, err := cc.NewStream(ctx, &grpc.StreamDesc{StreamName: "SubscribeLifecycle", ServerStreams: true},
		"/taskcore.NodeTransport/SubscribeLifecycle", grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		t.Fatalf("SubscribeLifecycle stream: %v", err)
	}
	if err := stream.SendMsg(&subscribeLifecycleRequest{}); err != nil {
		t.Fatalf("send subscribe request: %v", err)
	}
	stream.CloseSend()

	req := &startWorkerRequest{Handle: "h1", FnID: "slow_echo", Input: []byte("hello"), Attempt: 1}
	resp := new(startWorkerResponse)
	if err := cc.Invoke(ctx, "/taskcore.NodeTransport/StartWorker", req, resp, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		t.Fatalf("StartWorker invoke: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("StartWorker returned error: %s", resp.Error)
	}
	if resp.WorkerID == "" {
		t.Fatal("expected non-empty worker id")
	}

	sawExited := false
	for i := 0; i < 10 && !sawExited; i++ {
		wire := new(lifecycleEventWire)
		if err := stream.RecvMsg(wire); err != nil {
			break
		}
		if wire.Kind == "exited" {
			sawExited = true
			if wire.Handle != "h1" {
				t.Fatalf("expected handle h1, got %s", wire.Handle)
			}
			if string(wire.Value) != "hello" {
				t.Fatalf("expected echo output hello, got %q", wire.Value)
			}
		}
	}
	if !sawExited {
		t.Fatal("never observed an exited lifecycle event over the wire")
	}
}

func TestGRPCHeartbeat(t *testing.T) {
	meter := otel.Meter("test")
	reg := registry.New()
	sup := supervisor.New(supervisor.Options{Node: "node-b"}, reg, meter)
	disc := discovery.New(discovery.Options{LocalNode: "node-b"}, meter)

	cc, closeFn := loopbackDialer(t, "node-b", sup, disc)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := &heartbeatRequest{NodeID: "peer-1"}
	resp := new(heartbeatResponse)
	if err := cc.Invoke(ctx, "/taskcore.NodeTransport/Heartbeat", req, resp, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		t.Fatalf("Heartbeat invoke: %v", err)
	}
	if !disc.IsUp("peer-1") {
		t.Fatal("expected peer-1 marked up after remote heartbeat")
	}
}

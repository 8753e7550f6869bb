package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	logging "github.com/swarmguard/taskcore/internal/corelib/logging"
	"github.com/swarmguard/taskcore/internal/corelib/otelinit"

	"github.com/swarmguard/taskcore/internal/checkpoint"
	"github.com/swarmguard/taskcore/internal/coretypes"
	"github.com/swarmguard/taskcore/internal/discovery"
	"github.com/swarmguard/taskcore/internal/distributor"
	"github.com/swarmguard/taskcore/internal/patternproc"
	"github.com/swarmguard/taskcore/internal/placement"
	"github.com/swarmguard/taskcore/internal/recovery"
	"github.com/swarmguard/taskcore/internal/registry"
	"github.com/swarmguard/taskcore/internal/supervisor"
	"github.com/swarmguard/taskcore/internal/transport"
)

// config is read straight from the environment, matching main.go's
// style of zero-dependency os.Getenv lookups rather than a config
// library the teacher never reaches for.
type config struct {
	nodeID        coretypes.NodeID
	httpAddr      string
	grpcAddr      string
	peers         map[coretypes.NodeID]string // node -> "host:port" gRPC address
	natsURL       string                      // empty disables NATS wiring
	checkpointDir string                      // empty means ephemeral (in-memory) checkpoint store
}

func loadConfig() config {
	return config{
		nodeID:        coretypes.NodeID(getenv("TASKCORE_NODE_ID", "node-a")),
		httpAddr:      getenv("TASKCORE_HTTP_ADDR", ":8080"),
		grpcAddr:      getenv("TASKCORE_GRPC_ADDR", ":7070"),
		natsURL:       os.Getenv("TASKCORE_NATS_URL"),
		checkpointDir: os.Getenv("TASKCORE_CHECKPOINT_DIR"),
		peers:         parsePeers(os.Getenv("TASKCORE_PEERS")),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parsePeers reads "node-a=host:port,node-b=host:port" into a map.
func parsePeers(raw string) map[coretypes.NodeID]string {
	peers := make(map[coretypes.NodeID]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		peers[coretypes.NodeID(parts[0])] = parts[1]
	}
	return peers
}

func main() {
	service := "taskcore"
	logging.Init(service)
	cfg := loadConfig()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)
	tracer := otel.Tracer(service)

	var nc *nats.Conn
	if cfg.natsURL != "" {
		var err error
		nc, err = nats.Connect(cfg.natsURL)
		if err != nil {
			slog.Error("nats connect failed, continuing without cross-node heartbeat/lifecycle propagation", "error", err)
		} else {
			defer nc.Close()
		}
	}

	reg := registry.New()

	var cs checkpoint.Store
	if cfg.checkpointDir != "" {
		bolt, err := checkpoint.NewBoltStore(checkpoint.BoltStoreOptions{Path: cfg.checkpointDir + "/checkpoints.db"}, meter)
		if err != nil {
			slog.Error("open durable checkpoint store failed, falling back to ephemeral", "error", err)
			cs = checkpoint.NewMemStore(meter, 0)
		} else {
			cs = bolt
		}
	} else {
		cs = checkpoint.NewMemStore(meter, 0)
	}
	defer cs.Close()

	disc := discovery.New(discovery.Options{LocalNode: cfg.nodeID, CleanupInterval: 30 * time.Second, NATSConn: nc}, meter)
	disc.Register(cfg.nodeID)
	for peer := range cfg.peers {
		disc.Register(peer)
	}
	go func() {
		if err := disc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("discovery run exited", "error", err)
		}
	}()

	sup := supervisor.New(supervisor.Options{Node: cfg.nodeID, NATSConn: nc}, reg, meter)

	var nt transport.NodeTransport
	if len(cfg.peers) == 0 {
		local := transport.NewLocalTransport()
		local.Register(cfg.nodeID, sup)
		nt = local
	} else {
		grpcServer := transport.NewServer(cfg.nodeID, sup, disc)
		go func() {
			if err := grpcServer.Serve(ctx, cfg.grpcAddr); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("grpc transport server exited", "error", err)
			}
		}()
		nt = transport.NewGRPCTransport(cfg.peers, nil)
	}

	policy := placement.NewLocalPreferred()

	td := distributor.New(distributor.Options{
		LocalNode: cfg.nodeID,
		Discovery: disc,
		Transport: nt,
		Functions: reg,
		Policy:    policy,
	}, meter)

	trm := recovery.New(recovery.Options{
		LocalNode:   cfg.nodeID,
		Notifier:    td,
		Transport:   nt,
		Discovery:   disc,
		Checkpoints: cs,
		Policy:      policy,
	}, meter)
	td.BindMonitor(trm)
	go trm.Run(ctx)

	pp := patternproc.New(patternproc.Options{Distributor: td}, meter, tracer)

	var sched *patternproc.Scheduler
	if bolt, ok := cs.(*checkpoint.BoltStore); ok {
		sched = patternproc.NewScheduler(pp, bolt.DB(), meter)
		if err := sched.RestoreSchedules(ctx); err != nil {
			slog.Error("restore pattern schedules failed", "error", err)
		}
		sched.Start()
		defer func() { _ = sched.Stop(context.Background()) }()
	}

	mux := buildMux(td, pp, promHandler)

	srv := &http.Server{Addr: cfg.httpAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("taskcore started", "node", cfg.nodeID, "http_addr", cfg.httpAddr, "peers", len(cfg.peers))
	<-ctx.Done()
	slog.Info("shutdown initiated")

	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

func buildMux(td *distributor.Distributor, pp *patternproc.Processor, promHandler any) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handleSubmit(td, w, r)
		case http.MethodGet:
			handleStatus(td, w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/tasks/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handle := coretypes.TaskHandle(r.URL.Query().Get("handle"))
		if handle == "" {
			http.Error(w, "handle required", http.StatusBadRequest)
			return
		}
		if err := td.Cancel(r.Context(), handle); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/v1/patterns", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handlePatternSubmit(pp, w, r)
	})

	return mux
}

type submitRequest struct {
	FnID          string `json:"fn_id"`
	Input         []byte `json:"input"`
	Local         bool   `json:"local"`
	ReturnRefMode bool   `json:"return_ref_mode"`
	TimeoutMS     int64  `json:"timeout_ms"`
}

type submitResponse struct {
	Handle string `json:"handle"`
	Status string `json:"status,omitempty"`
	Value  []byte `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

func handleSubmit(td *distributor.Distributor, w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.FnID == "" {
		http.Error(w, "fn_id required", http.StatusBadRequest)
		return
	}

	opts := distributor.SubmitOptions{Local: req.Local, ReturnRefMode: req.ReturnRefMode}
	if req.TimeoutMS > 0 {
		opts.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	future, err := td.Submit(r.Context(), coretypes.FnID(req.FnID), req.Input, opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if req.ReturnRefMode {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(submitResponse{Handle: string(future.Handle)})
		return
	}

	result, err := future.Wait(r.Context())
	resp := submitResponse{Handle: string(future.Handle)}
	if err != nil {
		resp.Error = err.Error()
		_ = json.NewEncoder(w).Encode(resp)
		return
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	} else {
		resp.Value = result.Value
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func handleStatus(td *distributor.Distributor, w http.ResponseWriter, r *http.Request) {
	handle := coretypes.TaskHandle(r.URL.Query().Get("handle"))
	if handle == "" {
		http.Error(w, "handle required", http.StatusBadRequest)
		return
	}
	status, ok := td.Status(handle)
	if !ok {
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(submitResponse{Handle: string(handle), Status: string(status)})
}

type patternSubmitRequest struct {
	FnID      string `json:"fn_id"`
	Input     []byte `json:"input"`
	ChunkSize int    `json:"chunk_size,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

func handlePatternSubmit(pp *patternproc.Processor, w http.ResponseWriter, r *http.Request) {
	var req patternSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.FnID == "" {
		http.Error(w, "fn_id required", http.StatusBadRequest)
		return
	}

	opts := patternproc.ProcessOptions{}
	if req.ChunkSize > 0 {
		opts.Splitter = patternproc.ChunkSplitter{ChunkSize: req.ChunkSize}
	}
	if req.TimeoutMS > 0 {
		opts.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	job, err := pp.Process(r.Context(), patternproc.Pattern{FnID: coretypes.FnID(req.FnID), Input: req.Input}, opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	result, err := job.Wait(r.Context())
	resp := submitResponse{Handle: string(job.Handle)}
	if err != nil {
		resp.Error = err.Error()
	} else if result.Err != nil {
		resp.Error = result.Err.Error()
	} else {
		resp.Value = result.Value
	}
	_ = json.NewEncoder(w).Encode(resp)
}

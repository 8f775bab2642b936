package testutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opencode-ai/sessionbridge/internal/bridge"
	"github.com/opencode-ai/sessionbridge/internal/event"
	"github.com/opencode-ai/sessionbridge/internal/persist"
	"github.com/opencode-ai/sessionbridge/internal/server"
	"github.com/opencode-ai/sessionbridge/internal/storage"
	"github.com/opencode-ai/sessionbridge/internal/watch"
)

// TestServer wraps a bridge server, its registry and its persistence for
// testing.
type TestServer struct {
	Server    *server.Server
	Registry  *bridge.Registry
	Bus       *event.Bus
	Store     *persist.Store
	Persister *persist.Persister
	Watcher   *watch.Manager
	BaseURL   string
	WSURL     string
	DataDir   string

	ownsData      bool
	stopPersister context.CancelFunc
	done          chan error
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	envFile          string
	dataDir          string
	replayBufferSize int
	controlTimeout   time.Duration
	autosave         time.Duration
	watch            map[string]string
}

// WithEnvFile sets the .env file to load
func WithEnvFile(path string) TestServerOption {
	return func(c *testServerConfig) {
		c.envFile = path
	}
}

// WithDataDir persists sessions in dir. The directory survives Stop, so a
// second server started on it restores the sessions of the first.
func WithDataDir(dir string) TestServerOption {
	return func(c *testServerConfig) {
		c.dataDir = dir
	}
}

// WithReplayBufferSize bounds the per-session replay ring.
func WithReplayBufferSize(n int) TestServerOption {
	return func(c *testServerConfig) {
		c.replayBufferSize = n
	}
}

// WithControlTimeout bounds HTTP control requests.
func WithControlTimeout(d time.Duration) TestServerOption {
	return func(c *testServerConfig) {
		c.controlTimeout = d
	}
}

// WithWatch reports changes under dir to sessionID.
func WithWatch(sessionID, dir string) TestServerOption {
	return func(c *testServerConfig) {
		if c.watch == nil {
			c.watch = make(map[string]string)
		}
		c.watch[sessionID] = dir
	}
}

// StartTestServer creates and starts a bridge on a free local port.
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{autosave: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.envFile != "" {
		_ = godotenv.Load(cfg.envFile)
	} else {
		_ = godotenv.Load("../../.env")
		_ = godotenv.Load("../.env")
	}

	ts := &TestServer{DataDir: cfg.dataDir, done: make(chan error, 1)}
	if ts.DataDir == "" {
		dir, err := os.MkdirTemp("", "bridge-test-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		ts.DataDir = dir
		ts.ownsData = true
	}

	ts.Bus = event.NewBus()
	ts.Store = persist.NewStore(storage.New(filepath.Join(ts.DataDir, "storage")))
	ts.Registry = bridge.NewRegistry(bridge.Options{
		ReplayBufferSize: cfg.replayBufferSize,
		Bus:              ts.Bus,
		Loader:           ts.Store.Loader(context.Background()),
	})

	persistCtx, cancel := context.WithCancel(context.Background())
	ts.stopPersister = cancel
	ts.Persister = persist.NewPersister(ts.Store, ts.Registry, ts.Bus, persist.WithInterval(cfg.autosave))
	if err := ts.Persister.Start(persistCtx); err != nil {
		ts.stopPersister = nil
		cancel()
		ts.cleanup()
		return nil, fmt.Errorf("failed to start persister: %w", err)
	}

	ts.Watcher = watch.NewManager(watch.Options{Debounce: 50 * time.Millisecond}, func(sessionID string, paths []string) {
		if sess := ts.Registry.GetOrCreate(sessionID); sess != nil {
			sess.NotifyContentChanged(paths)
		}
	})
	for sessionID, dir := range cfg.watch {
		if err := ts.Watcher.Watch(sessionID, dir); err != nil {
			ts.cleanup()
			return nil, err
		}
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		ts.cleanup()
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = listener.Addr().String()
	if cfg.controlTimeout > 0 {
		serverConfig.ControlTimeout = cfg.controlTimeout
	}
	ts.Server = server.New(serverConfig, ts.Registry, server.WithBus(ts.Bus), server.WithSaver(ts.Persister))

	go func() {
		ts.done <- ts.Server.Serve(listener)
	}()

	ts.BaseURL = "http://" + listener.Addr().String()
	ts.WSURL = "ws" + strings.TrimPrefix(ts.BaseURL, "http")
	if err := waitForServer(ts.BaseURL, 10*time.Second); err != nil {
		ts.Stop()
		return nil, fmt.Errorf("server failed to start: %w", err)
	}

	return ts, nil
}

// Stop shuts down the server, flushes dirty sessions and cleans up.
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := ts.Server.Shutdown(ctx)
	ts.cleanup()
	return err
}

func (ts *TestServer) cleanup() {
	if ts.Watcher != nil {
		ts.Watcher.Close()
	}
	if ts.stopPersister != nil {
		ts.stopPersister()
		select {
		case <-ts.Persister.Done():
		case <-time.After(10 * time.Second):
		}
	}
	if ts.Registry != nil {
		ts.Registry.Close()
	}
	if ts.Bus != nil {
		ts.Bus.Close()
	}
	if ts.ownsData {
		os.RemoveAll(ts.DataDir)
	}
}

// Client returns a new test client for this server
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// Events follows the lifecycle events of sessionID, or of every
// session when sessionID is empty.
func (ts *TestServer) Events(ctx context.Context, sessionID string) (*EventStream, error) {
	return OpenEventStream(ctx, ts.BaseURL, sessionID)
}

// Observer connects a new observer to sessionID.
func (ts *TestServer) Observer(ctx context.Context, sessionID string) (*WSClient, error) {
	return DialWS(ctx, ts.WSURL+"/ws/browser/"+sessionID)
}

// Agent connects a scripted agent to sessionID.
func (ts *TestServer) Agent(ctx context.Context, sessionID string, config *MockAgentConfig) (*MockAgent, error) {
	return StartMockAgent(ctx, ts.WSURL+"/ws/agent/"+sessionID, config)
}

// waitForServer waits for the server to be ready
func waitForServer(baseURL string, timeout time.Duration) error {
	client := NewTestClient(baseURL)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/health")
		if err == nil && resp.IsSuccess() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}

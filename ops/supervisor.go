package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/t402-io/gasless-ops/internal/cperr"
	"github.com/t402-io/gasless-ops/jsonrpc"
	"github.com/t402-io/gasless-ops/types"
)

// SpawnRequest is the input to Supervisor.Spawn (section 4.2.1).
type SpawnRequest struct {
	BaseConfigPath string
	Name           string
	PolicyOverride *types.Policy
	WalletKeyEnv   string
}

// Supervisor owns the lifecycle of child bundler processes: port
// allocation, config materialization, process launch, stdout/stderr
// capture, graceful stop, and periodic health probing (section 4.2.1).
type Supervisor struct {
	registry   *Registry
	logStore   *LogStore
	dataDir    string
	portLow    int
	portHigh   int
	chainRPC   string
	logger     *zap.Logger
	probeEvery time.Duration

	mu   sync.Mutex
	cmds map[string]*exec.Cmd
}

// NewSupervisor wires a Supervisor against an existing Registry and
// LogStore.
func NewSupervisor(registry *Registry, logStore *LogStore, dataDir, chainRPC string, portLow, portHigh int, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		registry:   registry,
		logStore:   logStore,
		dataDir:    dataDir,
		portLow:    portLow,
		portHigh:   portHigh,
		chainRPC:   chainRPC,
		logger:     logger,
		probeEvery: 5 * time.Second,
		cmds:       make(map[string]*exec.Cmd),
	}
}

// allocatePort TCP-probes each candidate port in [portLow, portHigh]
// and returns the first one that accepts a listener (section 4.2.1
// "allocates a free port in a configured range").
func (s *Supervisor) allocatePort() (int, error) {
	for port := s.portLow; port <= s.portHigh; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, cperr.Internalf(nil, "no free port in range [%d, %d]", s.portLow, s.portHigh)
}

// Spawn allocates a port, merges a base config with overrides, writes
// it to a per-instance directory, and launches the child process
// (section 4.2.1).
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*types.BundlerInstance, error) {
	port, err := s.allocatePort()
	if err != nil {
		return nil, err
	}

	id := req.Name
	if id == "" {
		id = fmt.Sprintf("bundler-%d", port)
	}

	instDir := filepath.Join(s.dataDir, "bundlers", id)
	if err := os.MkdirAll(instDir, 0o755); err != nil {
		return nil, cperr.Internalf(err, "create instance dir")
	}

	cfg, err := s.mergeConfig(req.BaseConfigPath, id, port)
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(instDir, "bundler.config.json")
	if err := os.WriteFile(configPath, cfg, 0o644); err != nil {
		return nil, cperr.Internalf(err, "write instance config")
	}

	policy := types.Policy{}
	if req.PolicyOverride != nil {
		policy = *req.PolicyOverride
	}

	cmd := exec.CommandContext(ctx, os.Args[0], "-config", configPath)
	if req.WalletKeyEnv != "" {
		cmd.Env = append(os.Environ(), req.WalletKeyEnv)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, cperr.Internalf(err, "attach stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, cperr.Internalf(err, "attach stderr")
	}

	if err := cmd.Start(); err != nil {
		return nil, cperr.Internalf(err, "start child process")
	}

	s.mu.Lock()
	s.cmds[id] = cmd
	s.mu.Unlock()

	go s.captureLines(id, stdout, types.SeverityInfo)
	go s.captureLines(id, stderr, types.SeverityError)
	go s.awaitExit(id, cmd)

	now := time.Now()
	inst := types.BundlerInstance{
		ID: id, Label: req.Name, RPCURL: fmt.Sprintf("http://127.0.0.1:%d/rpc", port),
		Status: types.BundlerUp, Policy: policy, Spawned: true,
		SpawnedAt: &now, LastSeen: &now, ConfigPath: configPath,
	}
	s.registry.Upsert(inst)
	return &inst, nil
}

// mergeConfig merges the base config file with the allocated port,
// current chain RPC URL, and observability service name (section
// 4.2.1). Unknown keys in the base file are preserved.
func (s *Supervisor) mergeConfig(basePath, id string, port int) ([]byte, error) {
	merged := map[string]interface{}{}
	if basePath != "" {
		raw, err := os.ReadFile(basePath)
		if err != nil {
			return nil, cperr.Internalf(err, "read base config")
		}
		if err := json.Unmarshal(raw, &merged); err != nil {
			return nil, cperr.Internalf(err, "parse base config")
		}
	}
	merged["port"] = port
	merged["rpcUrl"] = s.chainRPC
	merged["serviceName"] = id

	return json.MarshalIndent(merged, "", "  ")
}

// captureLines reads a child process pipe line by line. Each line that
// parses as structured JSON carrying the required LogEvent fields is
// dropped (it was already emitted by the child's own log-ingest
// stream, avoiding double ingestion); anything else is wrapped as a
// plain LogEvent (section 4.2.1).
func (s *Supervisor) captureLines(id string, r io.Reader, fallbackLevel types.Severity) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var probe types.LogEvent
		if json.Unmarshal([]byte(line), &probe) == nil && probe.Validate() == nil {
			continue
		}
		s.logStore.Ingest(types.LogEvent{
			Timestamp: float64(time.Now().UnixMilli()),
			Level:     fallbackLevel,
			Service:   id,
			Message:   line,
		})
	}
}

func (s *Supervisor) awaitExit(id string, cmd *exec.Cmd) {
	err := cmd.Wait()
	s.mu.Lock()
	delete(s.cmds, id)
	s.mu.Unlock()

	_ = s.registry.UpdateStatus(id, types.BundlerStopped)
	level := types.SeverityWarn
	msg := "bundler child exited"
	if err != nil {
		msg = fmt.Sprintf("bundler child exited: %v", err)
	}
	s.logStore.Ingest(types.LogEvent{Timestamp: float64(time.Now().UnixMilli()), Level: level, Service: id, Message: msg})
}

// Stop sends graceful termination to the child, matching section 5's
// "graceful termination first, force kill after 5 seconds".
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	cmd, ok := s.cmds[id]
	s.mu.Unlock()
	if !ok {
		return s.registry.UpdateStatus(id, types.BundlerStopped)
	}

	if cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
	}

	done := make(chan struct{})
	go func() { cmd.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}

	return s.registry.UpdateStatus(id, types.BundlerStopped)
}

// Unregister stops the instance if running, then removes it from the
// registry (section 4.2.1).
func (s *Supervisor) Unregister(id string) error {
	_ = s.Stop(id)
	s.registry.Remove(id)
	return nil
}

// RunHealthProbes ticks every probeEvery, calling clientVersion on
// each non-STOPPED instance and transitioning UP/DOWN (section
// 4.2.1). go.uber.org/ratelimit paces the outbound RPC calls so a
// large registry doesn't burst every probe instance at once (section
// 5 "go.uber.org/ratelimit pacing the indexer's and supervisor's
// external-call loops").
func (s *Supervisor) RunHealthProbes(ctx context.Context) {
	ticker := time.NewTicker(s.probeEvery)
	defer ticker.Stop()
	limiter := ratelimit.New(10)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, inst := range s.registry.ListPublic() {
				if inst.Status == types.BundlerStopped {
					continue
				}
				limiter.Take()
				s.probeOne(ctx, inst)
			}
		}
	}
}

func (s *Supervisor) probeOne(ctx context.Context, inst types.BundlerInstance) {
	client := jsonrpc.NewClient(inst.RPCURL, 3*time.Second)
	var version string
	err := client.Call(ctx, "web3_clientVersion", []interface{}{}, &version)
	status := types.BundlerUp
	if err != nil {
		status = types.BundlerDown
	}
	if updateErr := s.registry.UpdateStatus(inst.ID, status); updateErr != nil {
		s.logger.Warn("health probe status update failed", zap.String("id", inst.ID), zap.Error(updateErr))
	}
}

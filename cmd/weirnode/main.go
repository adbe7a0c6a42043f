// Command weirnode is a single-binary smoke test for pkg/cluster: it boots
// one Cluster Entry with an embedded Task Executor, submits a small job
// graph over the real RPC wire, prints the result, and waits for a signal
// to shut down. It is not a general-purpose launcher (spec.md's Non-goals
// exclude a CLI/launcher surface) — every setting below is hardcoded or
// derived from the environment rather than parsed from flags.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/weir/pkg/cluster"
	"github.com/cuemby/weir/pkg/jobmaster/scheduler"
	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/rpc"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
)

func main() {
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	logger := log.WithComponent("weirnode")

	dataDir, err := os.MkdirTemp("", "weirnode-")
	if err != nil {
		logger.Error().Err(err).Msg("create data dir failed")
		os.Exit(cluster.ExitStartupFailure)
	}
	defer os.RemoveAll(dataDir)

	entry := cluster.NewEntry(cluster.Config{
		NodeID:       "weirnode-1",
		RaftBindAddr: "127.0.0.1:7946",
		RPCAddr:      "127.0.0.1:7000",
		DataDir:      dataDir,
		HAEnabled:    false,
		Failover:     scheduler.RestartPipelinedRegionStrategy{},
		TaskExecutor: cluster.EmbeddedTaskExecutorConfig{
			Address: "127.0.0.1:7001",
			SlotProfiles: []types.ResourceProfile{
				types.NewResourceProfile(1, 256<<20, 256<<20, 64<<20),
				types.NewResourceProfile(1, 256<<20, 256<<20, 64<<20),
			},
			HeartbeatInterval: 5 * time.Second,
		},
	})

	if err := entry.Start(); err != nil {
		logger.Error().Err(err).Msg("cluster entry failed to start")
		os.Exit(cluster.ExitStartupFailure)
	}
	logger.Info().Msg("cluster entry started")

	if err := submitSmokeJob(entry, logger); err != nil {
		logger.Warn().Err(err).Msg("smoke job submission failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case reason := <-entry.FatalCh():
		logger.Error().Str("reason", reason).Msg("fatal runtime error")
		entry.Stop()
		os.Exit(cluster.ExitRuntimeFailure)
	}

	entry.Stop()
	os.Exit(cluster.ExitOK)
}

// submitSmokeJob exercises the rpc.Gateway pkg/cluster registers for the
// Dispatcher's public API over a real rpc.Client round trip, rather than
// calling entry.Dispatcher() in-process, so the wire path (dial, gob
// encode/decode, fencing token check) is what this smoke test verifies.
func submitSmokeJob(entry *cluster.Entry, logger zerolog.Logger) error {
	client := rpc.NewClient(2*time.Second, 5*time.Second)
	addr := "127.0.0.1:7000"

	source := types.JobVertex{Id: types.NewVertexId(), Name: "source", Parallelism: 1}
	sink := types.JobVertex{Id: types.NewVertexId(), Name: "sink", Parallelism: 1, Inputs: []types.VertexId{source.Id}}
	graph := &types.JobGraph{JobId: types.NewJobId(), Name: "smoke-test", Vertices: []types.JobVertex{source, sink}}

	var submitResp cluster.SubmitJobResponse
	if err := client.Call(addr, cluster.CmdSubmitJob, 0, &cluster.SubmitJobRequest{Graph: graph}, &submitResp); err != nil {
		return fmt.Errorf("submit_job: %w", err)
	}
	logger.Info().Str("job_id", graph.JobId.String()).Msg("job submitted")

	var statusResp cluster.JobStatusResponse
	if err := client.Call(addr, cluster.CmdRequestJobStatus, 0, &cluster.JobIdRequest{JobId: graph.JobId}, &statusResp); err != nil {
		return fmt.Errorf("request_job_status: %w", err)
	}
	logger.Info().Str("job_id", graph.JobId.String()).Str("status", string(statusResp.Status)).Msg("job status")

	var listResp cluster.ListJobsResponse
	if err := client.Call(addr, cluster.CmdListJobs, 0, &cluster.ListJobsRequest{}, &listResp); err != nil {
		return fmt.Errorf("list_jobs: %w", err)
	}
	logger.Info().Int("count", len(listResp.JobIds)).Msg("jobs listed")
	return nil
}

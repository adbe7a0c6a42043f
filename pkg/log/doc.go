/*
Package log provides structured logging for weir using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable levels, and helper functions
for common logging patterns. Every main-executor loop (cluster entry,
dispatcher, resource manager, job master, task executor) logs cycle
start/stop and errors through a component logger rather than the bare
global one, so multi-component log output stays attributable.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Info().Msg("eager scheduling pass started")

	jobLog := log.WithJobID(jobId.String())
	jobLog.Error().Err(err).Msg("slot request failed")

	checkpointLog := log.WithCheckpointID(uint64(checkpointId))
	checkpointLog.Warn().Msg("checkpoint declined")

# Integration points

  - pkg/cluster: logs bootstrap/teardown ordering and fatal exits
  - pkg/resourcemanager: logs TE registration, slot matching, disconnects
  - pkg/dispatcher: logs job submission/recovery
  - pkg/jobmaster and its subpackages: logs scheduling, slot pool, and
    checkpoint coordinator decisions
  - pkg/taskexecutor: logs slot offers and task execution state changes
*/
package log

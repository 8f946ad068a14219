// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

// Command parachain-validator wires the Overseer and its subsystems
// (Candidate Validation, Collation Generation, the Dispute Coordinator)
// into a runnable node, with a `validation-worker` entrypoint for the
// out-of-process PVF worker and a `benchmark` entrypoint for local
// throughput checks against the dispute backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	candidatevalidation "github.com/ChainSafe/gossamer/dot/parachain/candidate-validation"
	collationgeneration "github.com/ChainSafe/gossamer/dot/parachain/collation-generation"
	"github.com/ChainSafe/gossamer/dot/parachain/dispute"
	"github.com/ChainSafe/gossamer/dot/parachain/overseer"
	parachaintypes "github.com/ChainSafe/gossamer/dot/parachain/types"
	"github.com/ChainSafe/gossamer/internal/database"
	"github.com/ChainSafe/gossamer/internal/log"
	"github.com/ChainSafe/gossamer/lib/keystore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logger = log.NewFromGlobal(log.AddContext("pkg", "cmd-parachain-validator"))

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "parachain-validator",
		Short: "Runs the parachain validator node's core subsystems",
	}

	root.PersistentFlags().String("db-path", "./data", "availability/dispute backend storage directory")
	root.PersistentFlags().Uint32("para-id", 2000, "this validator's assigned parachain ID")
	root.PersistentFlags().Duration("stagnant-after", 2*time.Minute, "how long an unapproved leaf may go without activity before it is considered stagnant")
	_ = viper.BindPFlags(root.PersistentFlags())

	root.AddCommand(newRunCmd(), newValidationWorkerCmd(), newBenchmarkCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Starts the overseer and every subsystem it supervises",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context())
		},
	}
}

func runNode(ctx context.Context) error {
	dbPath := viper.GetString("db-path")
	paraID := parachaintypes.ParaId(viper.GetUint32("para-id"))

	db, err := database.NewPebbleDB(dbPath)
	if err != nil {
		return fmt.Errorf("opening pebble db at %s: %w", dbPath, err)
	}
	defer db.Close()

	ks := keystore.New()
	backend := dispute.NewBackend(db)
	window := dispute.NewSessionWindow()

	ov := overseer.NewOverseer()

	cv := candidatevalidation.NewCandidateValidation(nil)
	cg := collationgeneration.New(nil, unwiredCores{}, unwiredValidationData{}, unwiredErasureCoder{})
	coord := dispute.NewCoordinator(nil, backend, window, ks, loggingParticipator{}, unwiredSessionInfo{})

	ov.RegisterSubsystem(cv)
	ov.RegisterSubsystem(cg)
	ov.RegisterSubsystem(coord)

	ov.RegisterRoute(candidatevalidation.ValidateFromChainState{}, parachaintypes.CandidateValidation)
	ov.RegisterRoute(candidatevalidation.ValidateFromExhaustive{}, parachaintypes.CandidateValidation)
	ov.RegisterRoute(candidatevalidation.PreCheck{}, parachaintypes.CandidateValidation)
	ov.RegisterRoute(collationgeneration.Initialize{}, parachaintypes.CollationGeneration)
	ov.RegisterRoute(dispute.ImportStatements{}, parachaintypes.DisputeCoordinator)
	ov.RegisterRoute(dispute.RecentDisputesMsg{}, parachaintypes.DisputeCoordinator)
	ov.RegisterRoute(dispute.ActiveDisputesMsg{}, parachaintypes.DisputeCoordinator)
	ov.RegisterRoute(dispute.QueryCandidateVotesMsg{}, parachaintypes.DisputeCoordinator)
	ov.RegisterRoute(dispute.IssueLocalStatementMsg{}, parachaintypes.DisputeCoordinator)
	ov.RegisterRoute(dispute.DetermineUndisputedChainMsg{}, parachaintypes.DisputeCoordinator)

	logger.Infof("starting overseer for para id %d, db %s", paraID, dbPath)
	ov.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
		logger.Infof("received shutdown signal")
	case <-ctx.Done():
	}

	ov.Stop()
	<-ov.Done()
	return nil
}

func newValidationWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validation-worker",
		Short: "Runs as the out-of-process PVF re-execution worker",
		Long: "The validation-worker process is spawned per candidate by candidate-validation's " +
			"ValidationHost collaborator. It reads a ValidationParameters frame from its parent " +
			"over the shared region described in runtime.ValidationHost, executes the candidate's " +
			"validation function in a sandboxed runtime, and writes back a WorkerValidationResult " +
			"frame. The sandbox itself is out of scope for this core; this subcommand is the process " +
			"boundary a real worker binary would occupy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("validation-worker: no sandboxed runtime wired into this build")
		},
	}
}

func newBenchmarkCmd() *cobra.Command {
	var candidates int
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Measures dispute-status write throughput against a scratch backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmark(candidates)
		},
	}
	cmd.Flags().IntVar(&candidates, "candidates", 1000, "number of synthetic candidates to import")
	return cmd
}

// runBenchmark always measures against a scratch database rather than
// --db-path, so running it never touches a real node's live backend.
func runBenchmark(candidates int) error {
	dir, err := os.MkdirTemp("", "parachain-validator-bench-*")
	if err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	db, err := database.NewPebbleDB(dir)
	if err != nil {
		return fmt.Errorf("opening scratch db: %w", err)
	}
	defer db.Close()

	backend := dispute.NewBackend(db)
	start := time.Now()
	for i := 0; i < candidates; i++ {
		status := dispute.DisputeStatus{Kind: dispute.StatusActive}
		hash := parachaintypes.CandidateHash{}
		hash.Value[0] = byte(i)
		hash.Value[1] = byte(i >> 8)
		if err := backend.SetStatus(parachaintypes.SessionIndex(i%6), hash, status); err != nil {
			return fmt.Errorf("writing candidate %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)
	logger.Infof("imported %d dispute statuses in %s (%.0f/s)", candidates, elapsed,
		float64(candidates)/elapsed.Seconds())
	return nil
}

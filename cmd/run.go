package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/pipeline"
	"github.com/sells-group/pick-engine/internal/workflow"
)

var (
	runEntity      string
	runKind        string
	runSource      string
	runKey         string
	runID          string
	runDryRun      bool
	runViaTemporal bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the decision pipeline for one entity",
	Long:  "Runs the ledger-guarded pipeline for one (entity, kind, source) using the configured fixture providers and prints the result JSON. Re-running with the same --key replays completed steps.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req := pipeline.Request{
			RunID:          runID,
			EntityID:       runEntity,
			Kind:           model.DecisionKind(runKind),
			Source:         runSource,
			IdempotencyKey: runKey,
			DryRun:         runDryRun,
		}
		if err := req.Validate(); err != nil {
			return err
		}

		var (
			result *model.PipelineResult
			err    error
		)
		if runViaTemporal {
			result, err = runWithTemporal(cmd, req)
		} else {
			env, envErr := initEnv(ctx, "run")
			if envErr != nil {
				return envErr
			}
			defer env.Close()
			result, err = env.Pipeline.Run(ctx, req)
		}
		if err != nil {
			if result != nil {
				_ = printJSON(os.Stdout, result)
			}
			return eris.Wrap(err, "pipeline run")
		}

		fields := []zap.Field{
			zap.String("run_id", result.RunID),
			zap.String("entity_id", req.EntityID),
			zap.Bool("dry_run", result.DryRun),
		}
		if result.Decision != nil {
			fields = append(fields,
				zap.String("selection", result.Decision.Selection),
				zap.Int("units", result.Decision.Units),
				zap.Float64("confidence", result.Decision.Confidence),
			)
		}
		zap.L().Info("decision complete", fields...)

		return printJSON(os.Stdout, result)
	},
}

func runWithTemporal(cmd *cobra.Command, req pipeline.Request) (*model.PipelineResult, error) {
	if err := cfg.Validate("worker"); err != nil {
		return nil, err
	}
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "temporal: dial")
	}
	defer c.Close()
	return workflow.ExecuteDecision(cmd.Context(), c, cfg.Temporal.TaskQueue, req)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	runCmd.Flags().StringVar(&runEntity, "entity", "", "entity id (required)")
	runCmd.Flags().StringVar(&runKind, "kind", string(model.KindTotal), "decision kind: total, spread or moneyline")
	runCmd.Flags().StringVar(&runSource, "source", "", "source the decision is made for (required)")
	runCmd.Flags().StringVar(&runKey, "key", "", "idempotency key (required)")
	runCmd.Flags().StringVar(&runID, "run-id", "", "resume a specific in-progress run")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "compute without persisting anything")
	runCmd.Flags().BoolVar(&runViaTemporal, "temporal", false, "execute through the Temporal decision workflow")
	_ = runCmd.MarkFlagRequired("entity")
	_ = runCmd.MarkFlagRequired("source")
	_ = runCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(runCmd)
}

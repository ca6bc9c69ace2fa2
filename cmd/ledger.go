package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pick-engine/internal/model"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect execution ledger records",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored result of one step",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		runFlag, _ := cmd.Flags().GetString("run")
		stepFlag, _ := cmd.Flags().GetString("step")
		keyFlag, _ := cmd.Flags().GetString("key")

		env, err := initStorage(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		if stepFlag == "" {
			return showRunSteps(cmd, env, runFlag, keyFlag)
		}

		rec, err := env.Ledger.Lookup(ctx, model.IdempotencyKey{
			RunID: runFlag,
			Step:  model.StepName(stepFlag),
			Key:   keyFlag,
		})
		if err != nil {
			return eris.Wrap(err, "ledger show")
		}
		if rec == nil {
			return eris.Errorf("ledger show: no record for %s/%s/%s", runFlag, stepFlag, keyFlag)
		}
		return printJSON(os.Stdout, rec)
	},
}

// showRunSteps prints which guarded steps of a run have a stored record.
func showRunSteps(cmd *cobra.Command, env *engineEnv, runID, key string) error {
	recs := make(map[model.StepName]*model.IdempotencyRecord, len(model.Steps))
	for _, step := range model.Steps {
		rec, err := env.Ledger.Lookup(cmd.Context(), model.IdempotencyKey{RunID: runID, Step: step, Key: key})
		if err != nil {
			return eris.Wrap(err, "ledger show")
		}
		recs[step] = rec
	}
	formatLedgerSteps(os.Stdout, recs)
	return nil
}

// formatLedgerSteps writes one row per pipeline step in execution order.
func formatLedgerSteps(out io.Writer, recs map[model.StepName]*model.IdempotencyRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STEP\tSTORED\tSTATUS\tHASH\tCREATED")
	_, _ = fmt.Fprintln(w, "----\t------\t------\t----\t-------")
	for _, step := range model.Steps {
		rec := recs[step]
		if rec == nil {
			_, _ = fmt.Fprintf(w, "%s\tno\t-\t-\t-\n", step)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\tyes\t%d\t%s\t%s\n",
			step,
			rec.StatusCode,
			truncateID(rec.ContentHash),
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	_ = w.Flush()
}

func init() {
	ledgerShowCmd.Flags().String("run", "", "run id (required)")
	ledgerShowCmd.Flags().String("step", "", "step name; omit to list every step")
	ledgerShowCmd.Flags().String("key", "", "idempotency key (required)")
	_ = ledgerShowCmd.MarkFlagRequired("run")
	_ = ledgerShowCmd.MarkFlagRequired("key")

	ledgerCmd.AddCommand(ledgerShowCmd)
	rootCmd.AddCommand(ledgerCmd)
}

package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pick-engine/internal/consensus"
	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/provider"
)

var consensusCmd = &cobra.Command{
	Use:   "consensus",
	Short: "Resolve consensus across source picks",
	Long:  "Groups the picks in a YAML file by entity and resolves each group into a tier-weighted consensus decision or a PASS with its reason.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		kind, _ := cmd.Flags().GetString("kind")
		path, _ := cmd.Flags().GetString("picks")
		persist, _ := cmd.Flags().GetBool("persist")
		key, _ := cmd.Flags().GetString("key")
		format, _ := cmd.Flags().GetString("format")
		if path == "" {
			path = cfg.Pipeline.Fixtures
		}

		picks, err := provider.LoadPicks(path)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "consensus")
		if err != nil {
			return err
		}
		defer env.Close()

		results, err := env.Consensus.ResolveAll(ctx, picks, model.DecisionKind(kind))
		if err != nil {
			return eris.Wrap(err, "consensus")
		}

		if persist {
			if key == "" {
				if key, err = consensus.BatchKey(model.DecisionKind(kind), picks); err != nil {
					return err
				}
			}
			ids, err := consensus.Persist(ctx, env.Store, key, results, time.Now())
			if err != nil {
				return eris.Wrap(err, "consensus: persist")
			}
			zap.L().Info("consensus decisions recorded",
				zap.String("key", key),
				zap.Strings("decision_ids", ids),
			)
		}

		if format == "table" {
			formatConsensus(os.Stdout, results)
			return nil
		}
		return printJSON(os.Stdout, results)
	},
}

// formatConsensus writes one row per entity to w.
func formatConsensus(out io.Writer, results []consensus.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ENTITY\tSELECTION\tUNITS\tCONF\tTIER\tAGREE\tREASON")
	_, _ = fmt.Fprintln(w, "------\t---------\t-----\t----\t----\t-----\t------")

	for _, r := range results {
		if r.Decision == nil {
			_, _ = fmt.Fprintf(w, "%s\tPASS\t0\t-\t-\t-\t%s\n", r.EntityID, r.Reason)
			continue
		}
		d := r.Decision
		selection := d.Selection
		if d.Line != nil {
			selection = fmt.Sprintf("%s %g", d.Selection, *d.Line)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%s\t%d/%d\t%s\n",
			r.EntityID,
			selection,
			d.Units,
			d.Confidence,
			d.Tier,
			len(d.Agreeing),
			len(d.Agreeing)+len(d.Disagreeing),
			d.Reason,
		)
	}
	_ = w.Flush()
}

func init() {
	consensusCmd.Flags().String("kind", string(model.KindTotal), "decision kind: total, spread or moneyline")
	consensusCmd.Flags().String("picks", "", "YAML file with a picks list (default: pipeline fixtures file)")
	consensusCmd.Flags().Bool("persist", false, "append emitted decisions to the decision log")
	consensusCmd.Flags().String("key", "", "idempotency key for --persist (default: derived from kind and picks)")
	consensusCmd.Flags().String("format", "json", "output format: json or table")
	rootCmd.AddCommand(consensusCmd)
}

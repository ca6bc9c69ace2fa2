package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
)

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Record the outcome of a decision",
	Long:  "Records win, loss or push for a stored decision. Outcomes are append-only; a decision settles once. Settled consensus outcomes feed the engine's historical-record grade points.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		decisionID, _ := cmd.Flags().GetString("decision")
		raw, _ := cmd.Flags().GetString("outcome")
		outcome, err := parseOutcome(raw)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		d, err := st.GetDecision(ctx, decisionID)
		if err != nil {
			return eris.Wrap(err, "settle")
		}
		if err := st.RecordOutcome(ctx, d.ID, outcome); err != nil {
			return eris.Wrap(err, "settle")
		}

		stats, err := st.OutcomeStats(ctx, d.Origin, d.Kind)
		if err != nil {
			return eris.Wrap(err, "settle")
		}
		zap.L().Info("decision settled",
			zap.String("decision_id", d.ID),
			zap.String("origin", string(d.Origin)),
			zap.String("outcome", string(outcome)),
		)
		fmt.Fprintf(os.Stdout, "%s %s/%s record: %d-%d-%d (%.1f%%)\n",
			d.ID, d.Origin, d.Kind, stats.Wins, stats.Losses, stats.Pushes, stats.WinRate()*100)
		return nil
	},
}

func parseOutcome(s string) (model.Outcome, error) {
	o := model.Outcome(strings.ToLower(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fault.Validation("settle: outcome %q must be win, loss or push", s)
	}
	return o, nil
}

func init() {
	settleCmd.Flags().String("decision", "", "decision id (required)")
	settleCmd.Flags().String("outcome", "", "win, loss or push (required)")
	_ = settleCmd.MarkFlagRequired("decision")
	_ = settleCmd.MarkFlagRequired("outcome")
	rootCmd.AddCommand(settleCmd)
}

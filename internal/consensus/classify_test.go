package consensus

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		agree, disagree int
		want            Classification
		reason          string
	}{
		{0, 0, Blocked, ReasonInsufficientAgreement},
		{1, 0, Blocked, ReasonInsufficientAgreement},
		{1, 3, Blocked, ReasonInsufficientAgreement},
		{2, 1, Blocked, ReasonTooClose},
		{2, 2, Blocked, ReasonOutnumbered},
		{3, 3, Blocked, ReasonOutnumbered},
		{3, 4, Blocked, ReasonOutnumbered},
		{2, 0, CleanConsensus, ReasonClean},
		{5, 0, CleanConsensus, ReasonClean},
		{3, 1, ConsensusWithConflict, ReasonWithConflict},
		{4, 2, ConsensusWithConflict, ReasonWithConflict},
	}

	for _, tt := range tests {
		got, reason := Classify(tt.agree, tt.disagree)
		assert.Equal(t, tt.want, got, "%d vs %d", tt.agree, tt.disagree)
		assert.Equal(t, tt.reason, reason, "%d vs %d", tt.agree, tt.disagree)
	}
}

func TestClassifyIsTotal(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("every count pair gets exactly one known class", prop.ForAll(
		func(agree, disagree int) bool {
			c, reason := Classify(agree, disagree)
			if reason == "" {
				return false
			}
			switch c {
			case Blocked:
				return agree < 2 || (agree == 2 && disagree == 1) || agree <= disagree
			case CleanConsensus:
				return agree >= 2 && disagree == 0
			case ConsensusWithConflict:
				return agree > disagree && disagree > 0 && !(agree == 2 && disagree == 1)
			default:
				return false
			}
		},
		gen.IntRange(0, 6),
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}

func TestClassifyExhaustive(t *testing.T) {
	for a := 0; a <= 6; a++ {
		for d := 0; d <= 6; d++ {
			c, _ := Classify(a, d)
			assert.Contains(t, []Classification{Blocked, CleanConsensus, ConsensusWithConflict}, c)
			if c.Allowed() {
				assert.Greater(t, a, d)
				assert.GreaterOrEqual(t, a, 2)
			}
		}
	}
}

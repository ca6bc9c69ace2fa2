package consensus

// Classification is the outcome of the conflict policy table.
type Classification string

const (
	Blocked               Classification = "BLOCKED"
	CleanConsensus        Classification = "CLEAN_CONSENSUS"
	ConsensusWithConflict Classification = "CONSENSUS_WITH_CONFLICT"
)

// Allowed reports whether a group with this classification may be sized.
func (c Classification) Allowed() bool {
	return c == CleanConsensus || c == ConsensusWithConflict
}

// Reasons reported with a classification.
const (
	ReasonInsufficientAgreement = "insufficient agreement"
	ReasonLoneAgainstOpposition = "single source against opposition"
	ReasonTooClose              = "too close, skip"
	ReasonOutnumbered           = "agreement does not outnumber opposition"
	ReasonWithConflict          = "consensus with conflict"
	ReasonClean                 = "clean consensus"
)

// Classify applies the conflict table to the agreeing and disagreeing counts.
// Rules are evaluated in order and the first match wins.
func Classify(agreeing, disagreeing int) (Classification, string) {
	switch {
	case agreeing < 2:
		return Blocked, ReasonInsufficientAgreement
	case agreeing == 1 && disagreeing >= 1:
		return Blocked, ReasonLoneAgainstOpposition
	case agreeing == 2 && disagreeing == 1:
		return Blocked, ReasonTooClose
	case agreeing <= disagreeing:
		return Blocked, ReasonOutnumbered
	case disagreeing > 0:
		return ConsensusWithConflict, ReasonWithConflict
	default:
		return CleanConsensus, ReasonClean
	}
}

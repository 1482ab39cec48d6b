package observability

import "github.com/prometheus/client_golang/prometheus"

// Domain counters for the affinity economy. Label values are small fixed
// enums so cardinality stays bounded.
var (
	// LedgerOps counts ledger mutations by op (earn|spend) and outcome
	// (ok|replayed|insufficient|error).
	LedgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Point ledger mutations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// QuizStarts counts StartSession outcomes.
	QuizStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_session_starts_total",
			Help: "Quiz session start attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// QuizAnswers counts resolved answers by correctness.
	QuizAnswers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_answers_total",
			Help: "Resolved quiz answers by correctness.",
		},
		[]string{"correct"},
	)

	// StageUnlocks counts newly unlocked disclosure stages.
	StageUnlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affinity_stage_unlocks_total",
			Help: "Disclosure stages newly unlocked, by stage.",
		},
		[]string{"stage"},
	)

	// RankingLookups counts which tier answered a ranking read
	// (memory|table|rebuild) plus cache failures (cache_error).
	RankingLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ranking_lookups_total",
			Help: "Ranking reads by serving tier.",
		},
		[]string{"tier"},
	)

	// MeetingTransitions counts meeting state changes.
	MeetingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meeting_transitions_total",
			Help: "Meeting state transitions by source and target state.",
		},
		[]string{"from", "to"},
	)
)

func init() {
	prometheus.MustRegister(LedgerOps, QuizStarts, QuizAnswers, StageUnlocks, RankingLookups, MeetingTransitions)
}

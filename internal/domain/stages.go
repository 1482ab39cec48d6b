package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Stages is a bitmask of disclosure stages unlocked for a directed pair.
// Writers only ever OR new bits in.
type Stages uint8

// Disclosure stages, ordered by the threshold that unlocks them.
const (
	StageT1 Stages = 1 << iota // photos
	StageT2
	StageT3 // meeting eligibility
)

var stageNames = []struct {
	s    Stages
	name string
}{
	{StageT1, "T1"},
	{StageT2, "T2"},
	{StageT3, "T3"},
}

// Has reports whether every bit of o is set in s.
func (s Stages) Has(o Stages) bool { return o != 0 && s&o == o }

// Union returns s with o's bits added.
func (s Stages) Union(o Stages) Stages { return s | o }

// Names lists the set stages in threshold order. Never nil.
func (s Stages) Names() []string {
	out := make([]string, 0, len(stageNames))
	for _, sn := range stageNames {
		if s&sn.s != 0 {
			out = append(out, sn.name)
		}
	}
	return out
}

// String implements fmt.Stringer.
func (s Stages) String() string {
	if s == 0 {
		return "none"
	}
	return strings.Join(s.Names(), ",")
}

// MarshalJSON encodes the set as its stage names, e.g. ["T1","T2"].
func (s Stages) MarshalJSON() ([]byte, error) { return json.Marshal(s.Names()) }

// UnmarshalJSON accepts the name list produced by MarshalJSON.
func (s *Stages) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	var out Stages
	for _, n := range names {
		st, ok := stageByName(n)
		if !ok {
			return fmt.Errorf("unknown stage %q", n)
		}
		out |= st
	}
	*s = out
	return nil
}

func stageByName(name string) (Stages, bool) {
	for _, sn := range stageNames {
		if strings.EqualFold(sn.name, name) {
			return sn.s, true
		}
	}
	return 0, false
}

// ErrInvalidThresholds is returned when T1 < T2 < T3 does not hold.
var ErrInvalidThresholds = errors.New("affinity thresholds must satisfy 0 < T1 < T2 < T3")

// Thresholds are the affinity scores at which each stage unlocks.
type Thresholds struct {
	T1 int64
	T2 int64
	T3 int64
}

// DefaultThresholds mirrors the stock economy configuration.
var DefaultThresholds = Thresholds{T1: 5, T2: 50, T3: 100}

// Validate checks the ordering invariant.
func (t Thresholds) Validate() error {
	if t.T1 <= 0 || t.T1 >= t.T2 || t.T2 >= t.T3 {
		return ErrInvalidThresholds
	}
	return nil
}

// Crossed returns every stage whose threshold score has reached.
func (t Thresholds) Crossed(score int64) Stages {
	var s Stages
	if score >= t.T1 {
		s |= StageT1
	}
	if score >= t.T2 {
		s |= StageT2
	}
	if score >= t.T3 {
		s |= StageT3
	}
	return s
}

// CanMeet reports meeting eligibility for a directed pair: the score is at
// T3, or T3 was unlocked earlier and has stuck.
func (t Thresholds) CanMeet(score int64, unlocked Stages) bool {
	return score >= t.T3 || unlocked.Has(StageT3)
}

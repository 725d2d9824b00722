package convo

import "sort"

// Restriction names a response variant disallowed for a turn.
type Restriction string

const (
	RestrictText              Restriction = "text"
	RestrictPersonalitySwitch Restriction = "personality-switch"
	RestrictReaction          Restriction = "reaction"
	RestrictKeyboard          Restriction = "keyboard"
)

// RestrictionSet is the accumulating set of disallowed variants.
type RestrictionSet map[Restriction]struct{}

func NewRestrictionSet(rs ...Restriction) RestrictionSet {
	s := make(RestrictionSet, len(rs))
	for _, r := range rs {
		s.Add(r)
	}
	return s
}

func (s RestrictionSet) Add(r Restriction)      { s[r] = struct{}{} }
func (s RestrictionSet) Has(r Restriction) bool { _, ok := s[r]; return ok }

// List returns the restrictions in stable order for prompts and logs.
func (s RestrictionSet) List() []Restriction {
	out := make([]Restriction, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// recentWindow is how many trailing history entries the policy inspects.
const recentWindow = 10

// TurnRestrictions computes the restriction set for one generation attempt.
// Rules, in order: a personality switch among the recent entries restricts
// further switching; a bot-authored message as the most recent entry
// restricts plain text; a pending notification lifts the text restriction so
// it stays deliverable. Restrictions in extra accumulate on top and are never
// lifted here.
func TurnRestrictions(history []Entry, pendingNotification bool, extra RestrictionSet) RestrictionSet {
	out := NewRestrictionSet()

	recent := history
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}
	for _, e := range recent {
		if e.IsPersonalitySwitch() {
			out.Add(RestrictPersonalitySwitch)
			break
		}
	}
	if len(recent) > 0 && recent[len(recent)-1].IsBotMessage() {
		out.Add(RestrictText)
	}
	if pendingNotification {
		delete(out, RestrictText)
	}

	for r := range extra {
		out.Add(r)
	}
	return out
}

package rate

import (
	"fmt"
	"sort"
)

// Violation describes one broken history invariant.
type Violation struct {
	Key     SubjectKey
	Rule    string
	Records []RecordID
	Detail  string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s %v: %s", v.Key, v.Rule, v.Records, v.Detail)
}

const (
	RuleEmptyInterval = "empty_interval"
	RuleOverlap       = "overlap"
	RuleMultipleOpen  = "multiple_open"
)

// CheckInvariants audits one subject's records. The input order does not
// matter. A nil result means the history is consistent.
func CheckInvariants(records []Record) []Violation {
	if len(records) == 0 {
		return nil
	}
	recs := append([]Record(nil), records...)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ValidFrom.Before(recs[j].ValidFrom) })
	key := recs[0].Key()

	var out []Violation
	var open []RecordID
	for i, r := range recs {
		if r.ValidUntil != nil && !r.ValidUntil.After(r.ValidFrom) {
			out = append(out, Violation{
				Key: key, Rule: RuleEmptyInterval, Records: []RecordID{r.ID},
				Detail: r.Interval().String(),
			})
		}
		if r.IsOpen() {
			open = append(open, r.ID)
		}
		for j := i + 1; j < len(recs); j++ {
			if r.ValidUntil != nil && !recs[j].ValidFrom.Before(*r.ValidUntil) {
				break
			}
			if !r.Interval().Overlaps(recs[j].Interval()) {
				continue
			}
			out = append(out, Violation{
				Key: key, Rule: RuleOverlap, Records: []RecordID{r.ID, recs[j].ID},
				Detail: fmt.Sprintf("%s overlaps %s", r.Interval(), recs[j].Interval()),
			})
		}
	}
	if len(open) > 1 {
		out = append(out, Violation{
			Key: key, Rule: RuleMultipleOpen, Records: open,
			Detail: fmt.Sprintf("%d open-ended records", len(open)),
		})
	}
	return out
}

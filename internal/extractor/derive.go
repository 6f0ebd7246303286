package extractor

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/garnizeh/redmine-rag/internal/models"
)

// Anomaly codes. They are reported sorted and without duplicates.
const (
	AnomalyJournalBeforeCreated     = "journal_before_issue_created"
	AnomalyJournalOutOfOrder        = "journal_timestamp_out_of_order"
	AnomalyStatusChainBreak         = "status_transition_chain_break"
	AnomalyStatusMissingValue       = "status_transition_missing_value"
	AnomalyUnknownStatus            = "unknown_status_id"
	AnomalyClosedBeforeCreated      = "closed_on_before_created_on"
	AnomalyResolutionBeforeResponse = "resolution_before_first_response"
	AnomalyClosedBeforeFirstClosing = "closed_on_before_first_closing_transition"
)

const (
	detailAttr    = "attr"
	fieldStatus   = "status_id"
	fieldAssignee = "assigned_to_id"
)

// Properties is the deterministic part of an issue's props_json.
type Properties struct {
	ExtractorVersion string     `json:"extractor_version"`
	StatusPath       []int64    `json:"status_path"`
	FirstResponseAt  *time.Time `json:"first_response_at"`
	ResolutionAt     *time.Time `json:"resolution_at"`
	FirstResponseS   *int64     `json:"first_response_s"`
	ResolutionS      *int64     `json:"resolution_s"`
	ReopenCount      int        `json:"reopen_count"`
	HandoffCount     int        `json:"handoff_count"`
	TouchCount       int        `json:"touch_count"`
	Anomalies        []string   `json:"anomalies"`
}

// Metric projects p onto the issue_metrics row.
func (p Properties) Metric(issueID int64) models.IssueMetric {
	return models.IssueMetric{
		IssueID:        issueID,
		FirstResponseS: p.FirstResponseS,
		ResolutionS:    p.ResolutionS,
		ReopenCount:    p.ReopenCount,
		TouchCount:     p.TouchCount,
		HandoffCount:   p.HandoffCount,
	}
}

type transition struct {
	at       time.Time
	old, new *int64
}

// Derive walks the journal timeline of issue. statuses maps status ids to
// their metadata; an empty map disables the unknown-status check.
func Derive(issue models.Issue, journals []models.Journal, statuses map[int64]models.IssueStatus) Properties {
	anomalies := map[string]struct{}{}
	flag := func(a string) { anomalies[a] = struct{}{} }

	byID := slices.Clone(journals)
	slices.SortStableFunc(byID, func(a, b models.Journal) int { return cmp.Compare(a.ID, b.ID) })
	for i := 1; i < len(byID); i++ {
		if byID[i].CreatedOn.Before(byID[i-1].CreatedOn) {
			flag(AnomalyJournalOutOfOrder)
			break
		}
	}

	ordered := slices.Clone(journals)
	slices.SortStableFunc(ordered, func(a, b models.Journal) int {
		if c := a.CreatedOn.Compare(b.CreatedOn); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	created := issue.CreatedOn
	var (
		firstResponse *time.Time
		transitions   []transition
		handoffs      int
	)
	for _, j := range ordered {
		if j.CreatedOn.Before(created) {
			flag(AnomalyJournalBeforeCreated)
		} else if firstResponse == nil {
			at := j.CreatedOn
			firstResponse = &at
		}
		for _, d := range j.Details {
			if d.Property != detailAttr && d.Property != "" {
				continue
			}
			switch d.Name {
			case fieldStatus:
				transitions = append(transitions, transition{at: j.CreatedOn, old: parseID(d.OldValue), new: parseID(d.NewValue)})
			case fieldAssignee:
				o, n := parseID(d.OldValue), parseID(d.NewValue)
				if o != nil && n != nil && *o != *n {
					handoffs++
				}
			}
		}
	}

	known := func(id *int64) {
		if id == nil || len(statuses) == 0 {
			return
		}
		if _, ok := statuses[*id]; !ok {
			flag(AnomalyUnknownStatus)
		}
	}
	closed := func(id *int64) bool {
		if id == nil {
			return false
		}
		return statuses[*id].IsClosed
	}

	var (
		path         []int64
		prevNew      *int64
		resolution   *time.Time
		firstClosing *time.Time
		reopens      int
	)
	for i, t := range transitions {
		if t.old == nil || t.new == nil {
			flag(AnomalyStatusMissingValue)
		}
		known(t.old)
		known(t.new)
		if i == 0 {
			if t.old != nil {
				path = append(path, *t.old)
			}
		} else if prevNew != nil && t.old != nil && *prevNew != *t.old {
			flag(AnomalyStatusChainBreak)
		}
		if t.new != nil {
			path = append(path, *t.new)
		}
		prevNew = t.new

		if closed(t.new) && firstClosing == nil {
			at := t.at
			firstClosing = &at
		}
		if t.new != nil && (strings.Contains(strings.ToLower(statuses[*t.new].Name), "reopen") || (closed(t.old) && !closed(t.new))) {
			reopens++
		}
	}
	if len(transitions) == 0 {
		path = []int64{issue.StatusID}
		known(&issue.StatusID)
	}

	if issue.ClosedOn != nil && issue.ClosedOn.Before(created) {
		flag(AnomalyClosedBeforeCreated)
	}
	if issue.ClosedOn != nil && firstClosing != nil && issue.ClosedOn.Before(*firstClosing) {
		flag(AnomalyClosedBeforeFirstClosing)
	}
	switch {
	case firstClosing != nil:
		resolution = firstClosing
	case issue.ClosedOn != nil && !issue.ClosedOn.Before(created):
		at := *issue.ClosedOn
		resolution = &at
	}
	if resolution != nil && firstResponse != nil && resolution.Before(*firstResponse) {
		flag(AnomalyResolutionBeforeResponse)
		resolution = nil
	}

	p := Properties{
		StatusPath:      path,
		FirstResponseAt: utc(firstResponse),
		ResolutionAt:    utc(resolution),
		FirstResponseS:  seconds(created, firstResponse),
		ResolutionS:     seconds(created, resolution),
		ReopenCount:     reopens,
		HandoffCount:    handoffs,
		TouchCount:      len(journals),
		Anomalies:       make([]string, 0, len(anomalies)),
	}
	for a := range anomalies {
		p.Anomalies = append(p.Anomalies, a)
	}
	slices.Sort(p.Anomalies)
	return p
}

func parseID(s *string) *int64 {
	if s == nil {
		return nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(*s), 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// seconds returns the whole seconds from start to t, floored at zero.
func seconds(start time.Time, t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	s := int64(t.Sub(start) / time.Second)
	if s < 0 {
		s = 0
	}
	return &s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

package syncer

import (
	"sort"
	"strings"
	"time"
)

// Summary reports what one cycle wrote.
type Summary struct {
	ProjectsSynced        int               `json:"projects_synced"`
	UsersSynced           int               `json:"users_synced"`
	GroupsSynced          int               `json:"groups_synced"`
	TrackersSynced        int               `json:"trackers_synced"`
	IssueStatusesSynced   int               `json:"issue_statuses_synced"`
	IssuePrioritiesSynced int               `json:"issue_priorities_synced"`
	IssuesSynced          int               `json:"issues_synced"`
	JournalsSynced        int               `json:"journals_synced"`
	AttachmentsSynced     int               `json:"attachments_synced"`
	TimeEntriesSynced     int               `json:"time_entries_synced"`
	NewsSynced            int               `json:"news_synced"`
	DocumentsSynced       int               `json:"documents_synced"`
	FilesSynced           int               `json:"files_synced"`
	BoardsSynced          int               `json:"boards_synced"`
	MessagesSynced        int               `json:"messages_synced"`
	WikiPagesSynced       int               `json:"wiki_pages_synced"`
	ChunksUpdated         int               `json:"chunks_updated"`
	VectorsUpserted       int               `json:"vectors_upserted"`
	VectorsPruned         int               `json:"vectors_pruned"`
	Errors                map[string]string `json:"errors,omitempty"`
	StartedAt             time.Time         `json:"started_at"`
	FinishedAt            time.Time         `json:"finished_at"`
}

func (s *Summary) addError(module string, err error) {
	if s.Errors == nil {
		s.Errors = map[string]string{}
	}
	s.Errors[module] = err.Error()
}

func (s *Summary) errorText() string {
	mods := make([]string, 0, len(s.Errors))
	for m := range s.Errors {
		mods = append(mods, m)
	}
	sort.Strings(mods)
	parts := make([]string, len(mods))
	for i, m := range mods {
		parts[i] = m + ": " + s.Errors[m]
	}
	return strings.Join(parts, "; ")
}

// internal/model/models.go
package model

import "time"

// Subscription binds one external repository to the subject (team or user)
// that accumulates its commits, together with the secret used to authenticate
// webhook deliveries for that repository. Rows are written by the external
// registration workflow; this service only reads them.
type Subscription struct {
	ID           int64     `json:"-"`
	SubjectID    string    `json:"subjectId"`
	RepoFullName string    `json:"repoFullName"`
	SharedSecret string    `json:"-"`
	DBCreatedAt  time.Time `json:"-"`
}

// CommitRecord is one persisted, deduplicated commit event attributed to a
// subject. Records are append-only: created once on the first authenticated
// delivery of a sha, never mutated, never deleted.
type CommitRecord struct {
	SubjectID    string    `json:"subjectId"`
	RepoFullName string    `json:"repoFullName"`
	SHA          string    `json:"sha"`
	Message      string    `json:"message"`
	AuthorName   string    `json:"authorName"`
	AuthorEmail  string    `json:"authorEmail"`
	OccurredAt   time.Time `json:"occurredAt"`
	// OccurredAtApprox marks records whose payload carried no author
	// timestamp, so OccurredAt is the arrival time instead.
	OccurredAtApprox bool      `json:"occurredAtApprox,omitempty"`
	DBCreatedAt      time.Time `json:"-"`
}

// SubjectCount is one row of the total-count ranking.
type SubjectCount struct {
	SubjectID      string    `json:"subjectId"`
	Count          int       `json:"count"`
	LatestCommitAt time.Time `json:"latestCommitAt"`
}

// SubjectCommit pairs a subject with the single commit that ranks it
// (its earliest or latest, depending on the view).
type SubjectCommit struct {
	SubjectID string       `json:"subjectId"`
	Commit    CommitRecord `json:"commit"`
}

// RankingSnapshot is the full set of derived views over the current
// CommitRecord set. It is recomputed from scratch on demand and after each
// ingestion batch, never persisted, and carries no state across computations.
type RankingSnapshot struct {
	TotalCommits         []SubjectCount  `json:"totalCommits"`
	FirstCommitRankings  []SubjectCommit `json:"firstCommitRankings"`
	LatestCommitRankings []SubjectCommit `json:"latestCommitRankings"`
	RecentActivity       []CommitRecord  `json:"recentActivity"`
}

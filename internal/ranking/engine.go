// internal/ranking/engine.go
package ranking

import (
	"context"
	"sort"

	"commitboard/internal/database"
	"commitboard/internal/model"
)

// Engine derives ranking views from the commit store. Compute is a pure
// read-and-aggregate pass: it holds no state between calls, so a recompute
// from a fuller commit set always supersedes an earlier one regardless of
// which async continuation requested it.
type Engine struct {
	q           database.Querier
	recentLimit int
}

// NewEngine creates an Engine reading from q. recentLimit caps the
// recent-activity view.
func NewEngine(q database.Querier, recentLimit int) *Engine {
	return &Engine{q: q, recentLimit: recentLimit}
}

// Compute reads the full commit set once and builds all four ranking views.
// Output is deterministic for a fixed commit set: every ordering has a fully
// specified tie-break, so two computations over the same records are
// identical. Cost is O(n log n) in total commits, paid once per ingestion
// batch or snapshot request, never per commit.
func (e *Engine) Compute(ctx context.Context) (*model.RankingSnapshot, error) {
	commits, err := e.q.ListCommits(ctx)
	if err != nil {
		return nil, err
	}

	// Group by subject, preserving retrieval (insertion) order within groups.
	bySubject := make(map[string][]model.CommitRecord)
	subjects := make([]string, 0)
	for _, c := range commits {
		if _, seen := bySubject[c.SubjectID]; !seen {
			subjects = append(subjects, c.SubjectID)
		}
		bySubject[c.SubjectID] = append(bySubject[c.SubjectID], c)
	}
	sort.Strings(subjects)

	snap := &model.RankingSnapshot{
		TotalCommits:         make([]model.SubjectCount, 0, len(subjects)),
		FirstCommitRankings:  make([]model.SubjectCommit, 0, len(subjects)),
		LatestCommitRankings: make([]model.SubjectCommit, 0, len(subjects)),
		RecentActivity:       make([]model.CommitRecord, 0, e.recentLimit),
	}

	for _, subjectID := range subjects {
		group := bySubject[subjectID]
		first := reduceGroup(group, func(best, c model.CommitRecord) bool {
			if !c.OccurredAt.Equal(best.OccurredAt) {
				return c.OccurredAt.Before(best.OccurredAt)
			}
			return c.SHA < best.SHA
		})
		latest := reduceGroup(group, func(best, c model.CommitRecord) bool {
			if !c.OccurredAt.Equal(best.OccurredAt) {
				return c.OccurredAt.After(best.OccurredAt)
			}
			return c.SHA < best.SHA
		})

		snap.TotalCommits = append(snap.TotalCommits, model.SubjectCount{
			SubjectID:      subjectID,
			Count:          len(group),
			LatestCommitAt: latest.OccurredAt,
		})
		snap.FirstCommitRankings = append(snap.FirstCommitRankings, model.SubjectCommit{
			SubjectID: subjectID,
			Commit:    first,
		})
		snap.LatestCommitRankings = append(snap.LatestCommitRankings, model.SubjectCommit{
			SubjectID: subjectID,
			Commit:    latest,
		})
	}

	// Highest count first; equal counts ordered by subject id. The slices
	// start in subject order, so a stable sort on the primary key alone
	// settles ties.
	sort.SliceStable(snap.TotalCommits, func(i, j int) bool {
		return snap.TotalCommits[i].Count > snap.TotalCommits[j].Count
	})

	// Earliest first commit wins.
	sort.SliceStable(snap.FirstCommitRankings, func(i, j int) bool {
		return snap.FirstCommitRankings[i].Commit.OccurredAt.Before(snap.FirstCommitRankings[j].Commit.OccurredAt)
	})

	// Most recent latest commit wins.
	sort.SliceStable(snap.LatestCommitRankings, func(i, j int) bool {
		return snap.LatestCommitRankings[i].Commit.OccurredAt.After(snap.LatestCommitRankings[j].Commit.OccurredAt)
	})

	// Recent activity: newest first across all subjects; ties keep insertion
	// order, which the stable sort preserves from the store's ordering.
	recent := make([]model.CommitRecord, len(commits))
	copy(recent, commits)
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].OccurredAt.After(recent[j].OccurredAt)
	})
	if len(recent) > e.recentLimit {
		recent = recent[:e.recentLimit]
	}
	snap.RecentActivity = append(snap.RecentActivity, recent...)

	return snap, nil
}

// reduceGroup picks the single commit of a non-empty group preferred by
// better.
func reduceGroup(group []model.CommitRecord, better func(best, c model.CommitRecord) bool) model.CommitRecord {
	best := group[0]
	for _, c := range group[1:] {
		if better(best, c) {
			best = c
		}
	}
	return best
}

// internal/webhook/pipeline.go
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-github/v62/github"

	"commitboard/internal/database"
	apperrors "commitboard/internal/errors"
	"commitboard/internal/metrics"
	"commitboard/internal/model"
	"commitboard/internal/signature"
)

// Event type header values the pipeline cares about. Everything else is
// authenticated, acknowledged, and triggers a recompute without inserting
// commits.
const (
	eventPing = "ping"
	eventPush = "push"
)

// Status is the caller-visible outcome of a delivery's synchronous phase.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusPingAcked Status = "ping_acked"
	StatusIgnored   Status = "ignored"
	StatusRejected  Status = "rejected"
)

// Ack is the synchronous acknowledgment for one delivery.
type Ack struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Publisher receives the recomputed snapshot after each processed event.
type Publisher interface {
	Publish(*model.RankingSnapshot)
}

// SnapshotSource recomputes the ranking views from current storage state.
type SnapshotSource interface {
	Compute(ctx context.Context) (*model.RankingSnapshot, error)
}

// Pipeline orchestrates a webhook delivery: authenticate and route
// synchronously, then persist, recompute, and broadcast in a detached
// continuation so the caller's acknowledgment never waits on storage or
// fan-out. All collaborators are injected at construction.
type Pipeline struct {
	db           database.Querier
	rankings     SnapshotSource
	hub          Publisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	retryMax     int
	retryBackoff time.Duration

	wg sync.WaitGroup
}

// NewPipeline creates a Pipeline. retryMax is the total number of insert
// attempts for a transiently failing batch; retryBackoff the initial delay
// between them, doubled each retry.
func NewPipeline(db database.Querier, rankings SnapshotSource, hub Publisher, m *metrics.Metrics, logger *slog.Logger, retryMax int, retryBackoff time.Duration) *Pipeline {
	return &Pipeline{
		db:           db,
		rankings:     rankings,
		hub:          hub,
		metrics:      m,
		logger:       logger,
		retryMax:     retryMax,
		retryBackoff: retryBackoff,
	}
}

// HandleEvent runs the synchronous phase for one delivery and returns its
// acknowledgment. For accepted events the storage/recompute/broadcast
// continuation is already scheduled when HandleEvent returns; its outcome is
// visible only in logs and metrics, never to the caller.
func (p *Pipeline) HandleEvent(ctx context.Context, eventType, providedSignature string, rawBody []byte) Ack {
	arrivedAt := time.Now().UTC()

	if eventType == eventPing {
		p.metrics.PingsAcked.Inc()
		return Ack{Status: StatusPingAcked}
	}

	repoFullName := routeRepository(rawBody)
	if repoFullName == "" {
		p.metrics.EventsRejected.Inc()
		return Ack{Status: StatusRejected, Reason: "missing repository identifier"}
	}

	sub, err := p.db.GetSubscriptionByRepo(ctx, repoFullName)
	if errors.Is(err, apperrors.ErrUnknownRepository) {
		return p.ignore("unregistered repository")
	}
	if err != nil {
		// Without the subscription the delivery cannot be attributed or
		// authenticated; drop it like an unregistered repository and leave a
		// trace for operators.
		p.logger.Error("Subscription lookup failed", "repo", repoFullName, "error", err)
		return p.ignore("subscription lookup unavailable")
	}

	if !signature.Verify(rawBody, providedSignature, sub.SharedSecret) {
		// Security-relevant: logged distinctly from ordinary failures.
		p.logger.Warn("Webhook signature verification failed",
			"repo", repoFullName, "subject_id", sub.SubjectID, "event", eventType)
		p.metrics.EventsRejected.Inc()
		return Ack{Status: StatusRejected, Reason: "invalid signature"}
	}

	p.metrics.EventsAccepted.Inc()

	p.wg.Add(1)
	go p.process(eventType, sub, rawBody, arrivedAt)

	return Ack{Status: StatusAccepted}
}

// Wait blocks until every in-flight continuation has finished. Called on
// shutdown so accepted deliveries are not lost to process exit.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) ignore(reason string) Ack {
	p.metrics.EventsIgnored.Inc()
	return Ack{Status: StatusIgnored, Reason: reason}
}

// routeRepository extracts the repository identifier with a minimal parse.
// The raw bytes stay untouched for signature verification and the full push
// parse later.
func routeRepository(rawBody []byte) string {
	var probe struct {
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(rawBody, &probe); err != nil {
		return ""
	}
	return probe.Repository.FullName
}

// process is the asynchronous continuation for one accepted delivery. It runs
// detached from the request context, contains all failures (including
// panics), and always ends in either a broadcast or a logged processing
// failure. Continuations for the same repository may run concurrently;
// correctness relies on conflict-ignoring inserts and recompute-from-total-
// state, not on ordering.
func (p *Pipeline) process(eventType string, sub model.Subscription, rawBody []byte, arrivedAt time.Time) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic in webhook continuation", "repo", sub.RepoFullName, "panic", r)
			p.metrics.ProcessingFailures.Inc()
		}
	}()

	ctx := context.Background()
	logger := p.logger.With("repo", sub.RepoFullName, "subject_id", sub.SubjectID, "event", eventType)

	if eventType == eventPush {
		batch := parsePushCommits(logger, sub, rawBody, arrivedAt)
		if len(batch) == 0 {
			logger.Info("Push contained no usable commits")
		} else {
			inserted, err := p.insertWithRetry(ctx, logger, batch)
			if err != nil {
				logger.Error("Giving up on commit batch", "error", err, "attempts", p.retryMax)
				p.metrics.ProcessingFailures.Inc()
				return
			}
			p.metrics.CommitsInserted.Add(float64(inserted))
			logger.Info("Stored commit batch", "received", len(batch), "inserted", inserted)
		}
	}

	// Recompute and broadcast even when nothing was inserted or the event
	// was not a push: observers tolerate a no-op publish, and non-push
	// events may reflect changes worth surfacing promptly.
	snap, err := p.rankings.Compute(ctx)
	if err != nil {
		logger.Error("Ranking recompute failed", "error", err)
		p.metrics.ProcessingFailures.Inc()
		return
	}
	p.hub.Publish(snap)
	p.metrics.Broadcasts.Inc()
	logger.Debug("Broadcasted ranking snapshot")
}

// insertWithRetry presents the batch to the store, retrying transient storage
// failures with exponential backoff. Retrying a partially applied batch is
// safe: conflicting rows are skipped, so only the missing remainder lands.
func (p *Pipeline) insertWithRetry(ctx context.Context, logger *slog.Logger, batch []database.InsertCommitParams) (int64, error) {
	backoff := p.retryBackoff
	var lastErr error
	for attempt := 1; attempt <= p.retryMax; attempt++ {
		inserted, err := p.db.InsertCommits(ctx, batch)
		if err == nil {
			return inserted, nil
		}
		if !errors.Is(err, apperrors.ErrStorageUnavailable) {
			return 0, err
		}
		lastErr = err
		if attempt < p.retryMax {
			logger.Warn("Commit insert failed, retrying",
				"attempt", attempt, "backoff", backoff.String(), "error", err)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return 0, lastErr
}

// parsePushCommits converts a push payload into insertable commit rows, keyed
// to the subscription's subject. Commits without a resolvable sha are
// dropped; a missing author timestamp falls back to the arrival time and the
// row is flagged approximate, since it feeds the chronological rankings.
func parsePushCommits(logger *slog.Logger, sub model.Subscription, rawBody []byte, arrivedAt time.Time) []database.InsertCommitParams {
	var push github.PushEvent
	if err := json.Unmarshal(rawBody, &push); err != nil {
		logger.Warn("Failed to parse push payload", "error", err)
		return nil
	}

	params := make([]database.InsertCommitParams, 0, len(push.Commits))
	for _, c := range push.Commits {
		sha := c.GetID()
		if sha == "" {
			sha = c.GetSHA()
		}
		if sha == "" {
			logger.Warn("Dropping commit from batch", "error", &apperrors.ErrMalformedPayload{Field: "sha"})
			continue
		}

		occurredAt := c.GetTimestamp().Time
		approx := false
		if occurredAt.IsZero() {
			occurredAt = arrivedAt
			approx = true
			logger.Warn("Commit missing author timestamp, using arrival time", "sha", sha)
		}

		params = append(params, database.InsertCommitParams{
			SubjectID:        sub.SubjectID,
			RepoFullName:     sub.RepoFullName,
			SHA:              sha,
			Message:          c.GetMessage(),
			AuthorName:       c.GetAuthor().GetName(),
			AuthorEmail:      c.GetAuthor().GetEmail(),
			OccurredAt:       occurredAt,
			OccurredAtApprox: approx,
		})
	}
	return params
}

package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tandem/music-app/internal/ban"
	"github.com/tandem/music-app/internal/metrics"
	"github.com/tandem/music-app/internal/report"
)

// Offenses are the flags raised against a sender within offenseWindow. Spam
// bans start once a sender reaches spamThreshold of them.
const (
	offenseWindow = 24 * time.Hour
	spamThreshold = 3
)

// FlagRecorder persists flagged messages and counts a sender's recent ones.
type FlagRecorder interface {
	Create(ctx context.Context, flag *report.Flag) error
	CountRecent(ctx context.Context, senderID string, window time.Duration) (int, error)
}

// Banner applies chat bans whose length grows with the offense number.
type Banner interface {
	Apply(ctx context.Context, userID, reason string, offense int) (ban.Ban, error)
}

// ResultPublisher sends a review outcome back to the socket servers.
type ResultPublisher interface {
	PublishModerationResult(senderID string, data []byte) error
}

// Reviewer applies the filter to moderation requests and acts on flags.
type Reviewer struct {
	filter  *Filter
	flags   FlagRecorder
	bans    Banner
	results ResultPublisher
	log     *slog.Logger
	timeout time.Duration
}

// NewReviewer creates a Reviewer. flags may be nil when no flag database is
// configured.
func NewReviewer(filter *Filter, flags FlagRecorder, bans Banner, results ResultPublisher, log *slog.Logger) *Reviewer {
	return &Reviewer{
		filter:  filter,
		flags:   flags,
		bans:    bans,
		results: results,
		log:     log.With("component", "moderator"),
		timeout: 5 * time.Second,
	}
}

// Review checks one message. A flagged message is recorded and counted
// against its sender: blocked keywords ban at once, spam patterns only from
// the spamThreshold-th offense on. The result of every flagged message is
// published to the sender's result subject; BanSeconds is zero when no ban
// was applied. Clean messages produce a non-blocked result and no side
// effects.
func (r *Reviewer) Review(ctx context.Context, req ModerationRequest) (ModerationResult, error) {
	verdict := r.filter.Check(req.Text)
	res := ModerationResult{
		MessageID: req.MessageID,
		SenderID:  req.SenderID,
		Blocked:   verdict.Blocked,
		Reason:    verdict.Reason,
		Term:      verdict.Term,
	}
	if !verdict.Blocked {
		return res, nil
	}

	metrics.ModerationFlags.WithLabelValues(verdict.Reason).Inc()
	r.log.Info("moderator: flagged",
		"message", req.MessageID, "user", req.SenderID, "reason", verdict.Reason, "term", verdict.Term)

	res.Offenses = r.record(ctx, req, verdict)

	reason, offense := ban.ReasonAbuse, res.Offenses
	if verdict.Reason == ReasonSpamPattern {
		reason, offense = ban.ReasonSpam, res.Offenses-spamThreshold+1
	}
	if offense > 0 {
		b, err := r.bans.Apply(ctx, req.SenderID, reason, offense)
		if err != nil {
			return res, fmt.Errorf("moderation: ban %s: %w", req.SenderID, err)
		}
		res.BanSeconds = b.Seconds()
		res.BanReason = b.Reason
		r.log.Info("moderator: banned", "user", req.SenderID, "reason", b.Reason, "offense", b.Offense, "seconds", res.BanSeconds)
	}

	data, err := json.Marshal(res)
	if err != nil {
		return res, fmt.Errorf("moderation: marshal result: %w", err)
	}
	if err := r.results.PublishModerationResult(req.SenderID, data); err != nil {
		return res, fmt.Errorf("moderation: publish result: %w", err)
	}
	return res, nil
}

// record stores the flag and returns the sender's offense count including
// this one. Without a flag store, or when counting fails, every flag counts
// as a first offense.
func (r *Reviewer) record(ctx context.Context, req ModerationRequest, verdict FilterResult) int {
	if r.flags == nil {
		return 1
	}

	stored := true
	err := r.flags.Create(ctx, &report.Flag{
		MessageID:  req.MessageID,
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Reason:     verdict.Reason,
		Term:       verdict.Term,
		Content:    req.Text,
	})
	if err != nil {
		stored = false
		r.log.Error("moderator: record flag failed", "message", req.MessageID, "err", err)
	}

	n, err := r.flags.CountRecent(ctx, req.SenderID, offenseWindow)
	if err != nil {
		r.log.Warn("moderator: count offenses failed", "user", req.SenderID, "err", err)
		return 1
	}
	if !stored {
		n++
	}
	return max(n, 1)
}

// HandleMessage decodes a raw moderation.check payload and reviews it. It is
// shaped to be used directly as a subscription callback.
func (r *Reviewer) HandleMessage(data []byte) {
	var req ModerationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		r.log.Warn("moderator: failed to unmarshal request", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	res, err := r.Review(ctx, req)
	if err != nil {
		r.log.Error("moderator: review failed", "message", req.MessageID, "user", req.SenderID, "err", err)
		return
	}
	if !res.Blocked {
		r.log.Debug("moderator: clean", "message", req.MessageID, "user", req.SenderID)
	}
}

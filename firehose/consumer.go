// Package firehose subscribes to an atproto relay event stream and
// normalizes repost record creations into detector.RepostEvent values.
// Everything that is not a well-formed app.bsky.feed.repost create is
// skipped here, so the detector never sees a malformed event.
package firehose

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/events/schedulers/sequential"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/repo"
	"github.com/bluesky-social/indigo/repomgr"

	"github.com/araddon/dateparse"
	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"

	"github.com/skywatch-dev/murmur/detector"
)

const repostCollection = "app.bsky.feed.repost"

// Run dials the relay and consumes the repo event stream until ctx is
// cancelled or the stream fails, delivering one RepostEvent per repost
// creation to cb. Events are handed to cb strictly in stream order: the
// window and pairing logic downstream is order-sensitive, so a sequential
// scheduler is used rather than a worker pool.
func Run(ctx context.Context, logger *slog.Logger, relayHost string, cb func(context.Context, detector.RepostEvent) error) error {
	dialer := websocket.DefaultDialer
	u, err := url.Parse(relayHost)
	if err != nil {
		return fmt.Errorf("invalid relay host URI: %w", err)
	}
	u.Path = "xrpc/com.atproto.sync.subscribeRepos"
	logger.Info("subscribing to repo event stream", "upstream", relayHost)
	con, _, err := dialer.Dial(u.String(), http.Header{
		"User-Agent": []string{fmt.Sprintf("murmur/%s", versioninfo.Short())},
	})
	if err != nil {
		return fmt.Errorf("subscribing to firehose failed (dialing): %w", err)
	}

	rsc := &events.RepoStreamCallbacks{
		RepoCommit: func(evt *comatproto.SyncSubscribeRepos_Commit) error {
			return handleRepoCommit(ctx, logger, evt, cb)
		},
	}

	scheduler := sequential.NewScheduler(relayHost, rsc.EventHandler)
	return events.HandleRepoStream(ctx, con, scheduler, logger)
}

// handleRepoCommit walks a commit's ops looking for repost creations. It
// logs and skips anything it cannot decode; a single bad record never
// terminates the stream.
func handleRepoCommit(ctx context.Context, logger *slog.Logger, evt *comatproto.SyncSubscribeRepos_Commit, cb func(context.Context, detector.RepostEvent) error) error {
	ctx, span := tracer.Start(ctx, "handleRepoCommit")
	defer span.End()

	commitsReceivedCounter.Inc()
	logger = logger.With("event", "commit", "did", evt.Repo, "seq", evt.Seq)

	if evt.TooBig {
		logger.Warn("skipping tooBig event")
		return nil
	}

	did, err := syntax.ParseDID(evt.Repo)
	if err != nil {
		logger.Error("bad DID syntax in event", "err", err)
		return nil
	}

	var rr *repo.Repo
	for _, op := range evt.Ops {
		collection, _, err := syntax.ParseRepoPath(op.Path)
		if err != nil {
			logger.Error("invalid path in repo op", "path", op.Path)
			continue
		}
		if collection != repostCollection {
			continue
		}
		if repomgr.EventKind(op.Action) != repomgr.EvtKindCreateRecord {
			// repost records are immutable; only creates matter
			continue
		}

		if rr == nil {
			rr, err = repo.ReadRepoFromCar(ctx, bytes.NewReader(evt.Blocks))
			if err != nil {
				logger.Error("failed to read repo from car", "err", err)
				return nil
			}
		}

		rc, recordCBOR, err := rr.GetRecordBytes(ctx, op.Path)
		if err != nil {
			recordsFailedCounter.Inc()
			logger.Error("reading record from event blocks (CAR)", "err", err, "path", op.Path)
			continue
		}
		if op.Cid == nil || lexutil.LexLink(rc) != *op.Cid {
			recordsFailedCounter.Inc()
			logger.Error("mismatch between commit op CID and record block", "recordCID", rc, "opCID", op.Cid)
			continue
		}

		var rec appbsky.FeedRepost
		if err := rec.UnmarshalCBOR(bytes.NewReader(*recordCBOR)); err != nil {
			recordsFailedCounter.Inc()
			logger.Error("failed to parse app.bsky.feed.repost record", "err", err)
			continue
		}

		revt, err := repostEvent(did, &rec)
		if err != nil {
			recordsFailedCounter.Inc()
			logger.Warn("skipping malformed repost record", "err", err)
			continue
		}

		repostsProcessedCounter.Inc()
		if err := cb(ctx, revt); err != nil {
			logger.Error("failed to process repost event", "err", err)
		}
	}

	return nil
}

// repostEvent normalizes a decoded repost record into the canonical
// (actor, target post, observed-at) triple the detector consumes.
func repostEvent(actor syntax.DID, rec *appbsky.FeedRepost) (detector.RepostEvent, error) {
	if rec.Subject == nil || rec.Subject.Uri == "" {
		return detector.RepostEvent{}, fmt.Errorf("repost record missing subject")
	}
	at, err := dateparse.ParseAny(rec.CreatedAt)
	if err != nil {
		return detector.RepostEvent{}, fmt.Errorf("unparseable createdAt %q: %w", rec.CreatedAt, err)
	}
	return detector.RepostEvent{
		Actor: actor.String(),
		Post:  rec.Subject.Uri,
		At:    at.UTC(),
	}, nil
}

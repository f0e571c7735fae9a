// Package report serializes detected groups to tabular output. DIDs are
// resolved to handles at report time when an identity directory is
// available, falling back to the raw DID when resolution fails.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"golang.org/x/time/rate"

	"github.com/skywatch-dev/murmur/detector"
)

// Header is the stable column order of the report. Downstream tooling
// depends on it not changing between runs.
var Header = []string{"members", "shared_post_count", "shared_post_ids", "window_start", "window_end"}

const fieldSeparator = ";"

type Reporter struct {
	logger  *slog.Logger
	dir     identity.Directory
	limiter *rate.Limiter
}

// NewReporter returns a Reporter resolving handles through dir, rate
// limited to lookupsPerSec. A nil dir disables resolution and reports raw
// DIDs, mirroring a run without network identity access.
func NewReporter(logger *slog.Logger, dir identity.Directory, lookupsPerSec int) *Reporter {
	var limiter *rate.Limiter
	if lookupsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(lookupsPerSec), 1)
	}
	return &Reporter{
		logger:  logger.With("system", "reporter"),
		dir:     dir,
		limiter: limiter,
	}
}

// WriteCSV appends one record per group to path, creating the file and
// writing the header if it does not exist yet. An empty group set writes
// nothing beyond the header and is not an error.
func (r *Reporter) WriteCSV(ctx context.Context, path string, groups []*detector.Group) error {
	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening report file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(Header); err != nil {
			return fmt.Errorf("writing report header: %w", err)
		}
	}

	for _, g := range groups {
		handles := make([]string, len(g.Members))
		for i, did := range g.Members {
			handles[i] = r.resolveHandle(ctx, did)
		}
		record := []string{
			strings.Join(handles, fieldSeparator),
			strconv.Itoa(len(g.SharedPosts)),
			strings.Join(g.SharedPosts, fieldSeparator),
			g.Start.UTC().Format(time.RFC3339),
			g.End.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("writing report record: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing report: %w", err)
	}
	return nil
}

// resolveHandle maps a DID to its current handle, returning the DID itself
// when no directory is configured or resolution fails.
func (r *Reporter) resolveHandle(ctx context.Context, did string) string {
	if r.dir == nil {
		return did
	}
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return did
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return did
		}
	}
	ident, err := r.dir.LookupDID(ctx, parsed)
	if err != nil {
		r.logger.Warn("could not resolve DID to handle", "did", did, "err", err)
		return did
	}
	if ident.Handle.IsInvalidHandle() {
		return did
	}
	return ident.Handle.String()
}

// Summary renders a one-line description of a group for logging, capping
// the shared post list for display only.
func Summary(g *detector.Group, maxPosts int) string {
	posts := g.SharedPosts
	suffix := ""
	if maxPosts > 0 && len(posts) > maxPosts {
		suffix = fmt.Sprintf(" (+%d more)", len(posts)-maxPosts)
		posts = posts[:maxPosts]
	}
	return fmt.Sprintf("group of %d [%s] sharing %d posts: %s%s",
		len(g.Members),
		strings.Join(g.Members, " "),
		len(g.SharedPosts),
		strings.Join(posts, " "),
		suffix,
	)
}

package detector

import "time"

// RepostEvent is a single observed repost action, already normalized by the
// firehose consumer. At is event time (the record's createdAt), not receipt
// time, so a replayed stream is windowed the same way as a live one.
type RepostEvent struct {
	// Actor is the DID of the reposting account.
	Actor string

	// Post is the AT-URI of the subject post being amplified.
	Post string

	// At is when the repost was created.
	At time.Time
}

// ABOUTME: Post-authorization hook that records when a user was last seen
// ABOUTME: Writes are throttled per user so busy callers do not hammer the database

package gateway

import (
	"context"
	"time"

	"github.com/2389/fleet-gateway/internal/dedupe"
)

// maxTrackedUsers bounds the throttle cache; evicted users are simply written again
const maxTrackedUsers = 10000

type userToucher interface {
	TouchUser(ctx context.Context, id string, seen time.Time) error
}

type lastSeenRecorder struct {
	users userToucher
	now   func() time.Time
	seen  *dedupe.Cache
}

func newLastSeenRecorder(users userToucher, interval time.Duration) *lastSeenRecorder {
	l := &lastSeenRecorder{users: users, now: time.Now}
	l.seen = dedupe.New(interval, maxTrackedUsers, interval,
		dedupe.WithClock(func() time.Time { return l.now() }))
	return l
}

// record touches the user unless it was touched within the interval.
// It reports whether a write happened.
func (l *lastSeenRecorder) record(ctx context.Context, userID string) (bool, error) {
	if l.seen.CheckAndMark(userID) {
		return false, nil
	}
	if err := l.users.TouchUser(ctx, userID, l.now()); err != nil {
		// Retry on the next request
		l.seen.Forget(userID)
		return false, err
	}
	return true, nil
}

func (l *lastSeenRecorder) close() {
	l.seen.Close()
}

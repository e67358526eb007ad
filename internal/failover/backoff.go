package failover

import "time"

// backoffStart is the initial reconnection delay.
const backoffStart = 5 * time.Second

// backoffMax caps the reconnection delay so a long partner outage still
// retries at a sane cadence.
const backoffMax = 2 * time.Minute

// backoff tracks a doubling reconnection delay, reset on a successful
// connection.
type backoff struct {
	next time.Duration
}

// newBackoff returns a backoff starting at backoffStart.
func newBackoff() *backoff {
	return &backoff{next: backoffStart}
}

// Next returns the delay to wait before the next reconnection attempt and
// doubles it for the attempt after, capped at backoffMax.
func (b *backoff) Next() time.Duration {
	d := b.next

	b.next *= 2
	if b.next > backoffMax {
		b.next = backoffMax
	}

	return d
}

// Reset restores the delay to backoffStart. The engine calls it as soon as
// a connection completes its handshake.
func (b *backoff) Reset() {
	b.next = backoffStart
}

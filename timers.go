package mqtt

import "time"

// timerToken is the cancellation handle for a timer scheduled on the
// broker loop (§5, §9: "cooperative timers referencing container
// elements"). Firing a timer never mutates broker state directly — the
// underlying time.AfterFunc goroutine only posts a job back onto the
// loop, where the token's cancelled flag is tested authoritatively
// alongside every other piece of broker state.
type timerToken struct {
	cancelled bool
	timer     *time.Timer
}

func (t *timerToken) cancel() {
	if t == nil {
		return
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// after schedules fn to run on the broker loop after d. The returned
// token may be cancelled from the loop goroutine at any time; a fire
// that races a cancellation sees cancelled==true and no-ops.
func (b *Broker) after(d time.Duration, fn func()) *timerToken {
	token := &timerToken{}
	token.timer = time.AfterFunc(d, func() {
		b.submitAsync(func() {
			if token.cancelled {
				return
			}
			fn()
		})
	})
	return token
}

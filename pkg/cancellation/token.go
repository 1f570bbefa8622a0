// Package cancellation provides the per-session cancellation token
package cancellation

import "sync"

// Token is a one-shot cancellation signal. Once cancelled it stays
// cancelled; there is no reset.
type Token struct {
	once sync.Once
	done chan struct{}
}

// NewToken creates an unsignalled token
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel signals the token. Safe to call multiple times.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Done returns a channel closed when the token is cancelled
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Cancelled reports whether the token has been signalled
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

package cancellation_test

import (
	"sync"
	"testing"
	"time"

	"github.com/meshforge/meshforge/pkg/cancellation"
)

func TestTokenInitialState(t *testing.T) {
	token := cancellation.NewToken()

	if token.Cancelled() {
		t.Error("new token should not be cancelled")
	}

	select {
	case <-token.Done():
		t.Error("done channel should not be closed before Cancel")
	default:
	}
}

func TestTokenCancel(t *testing.T) {
	token := cancellation.NewToken()
	token.Cancel()

	if !token.Cancelled() {
		t.Error("token should report cancelled after Cancel")
	}

	select {
	case <-token.Done():
	case <-time.After(time.Second):
		t.Error("done channel should be closed after Cancel")
	}
}

func TestTokenCancelIdempotent(t *testing.T) {
	token := cancellation.NewToken()

	// Concurrent repeated cancels must not panic on double close
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token.Cancel()
		}()
	}
	wg.Wait()

	if !token.Cancelled() {
		t.Error("token should remain cancelled")
	}
}

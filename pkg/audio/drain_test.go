package audio

import (
	"testing"
	"time"
)

func TestDrain_UnblocksProducer(t *testing.T) {
	t.Parallel()
	ch := make(chan AudioFrame)
	sent := make(chan struct{})
	go func() {
		for range 5 {
			ch <- AudioFrame{}
		}
		close(ch)
		close(sent)
	}()

	done := make(chan struct{})
	go func() {
		Drain(ch)
		close(done)
	}()

	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("producer still blocked")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after close")
	}
}

package eventq

import (
	"context"
	"testing"
	"time"
)

func TestOfferFullAndClosed(t *testing.T) {
	ch := make(chan int, 1)
	if !Offer(ch, 1) {
		t.Fatal("Offer() on empty buffered channel = false")
	}
	if Offer(ch, 2) {
		t.Fatal("Offer() on full channel = true")
	}
	<-ch
	close(ch)
	if Offer(ch, 3) {
		t.Fatal("Offer() on closed channel = true")
	}
}

func TestSendBlocksUntilReceiverOrCancel(t *testing.T) {
	ch := make(chan int)
	go func() {
		time.Sleep(10 * time.Millisecond)
		<-ch
	}()
	if !Send(context.Background(), ch, 7) {
		t.Fatal("Send() = false with an eventual receiver")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if Send(ctx, ch, 8) {
		t.Fatal("Send() = true without a receiver")
	}
}

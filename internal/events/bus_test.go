package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/pkg/models"
)

func ev(text string) models.Event {
	return models.Event{Ts: time.Now(), Stream: models.StreamStdout, Text: text}
}

func drain(sub *Subscription) []string {
	var out []string
	for e := range sub.C {
		out = append(out, e.Text)
	}
	return out
}

func TestFanOutPreservesOrder(t *testing.T) {
	b := New(16)
	key := Key{Kind: KindBuild, ID: "b1"}
	s1 := b.Subscribe(key)
	s2 := b.Subscribe(key)
	other := b.Subscribe(Key{Kind: KindBuild, ID: "b2"})

	for i := 0; i < 5; i++ {
		assert.Equal(t, 2, b.Publish(key, ev(fmt.Sprint(i))))
	}
	b.Close(key)

	want := []string{"0", "1", "2", "3", "4"}
	assert.Equal(t, want, drain(s1))
	assert.Equal(t, want, drain(s2))
	assert.Equal(t, 1, b.Subscribers(Key{Kind: KindBuild, ID: "b2"}))
	b.Unsubscribe(other)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := New(2)
	key := Key{Kind: KindPreview, ID: "p"}
	slow := b.Subscribe(key)
	fast := b.Subscribe(key)

	var got []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range fast.C {
			got = append(got, e.Text)
		}
	}()

	for i := 0; i < 3; i++ {
		b.Publish(key, ev(fmt.Sprint(i)))
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, b.Dropped(slow))
	assert.Equal(t, []string{"0", "1"}, drain(slow))

	b.Close(key)
	wg.Wait()
	assert.Equal(t, []string{"0", "1", "2"}, got)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(1)
	key := Key{Kind: KindUser, ID: "u"}
	s := b.Subscribe(key)
	b.Unsubscribe(s)
	b.Unsubscribe(s)
	b.Close(key)
	assert.Zero(t, b.Subscribers(key))
	_, open := <-s.C
	assert.False(t, open)
	assert.Zero(t, b.Publish(key, ev("x")))
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New(DefaultBuffer)
	key := Key{Kind: KindFlow, ID: "f"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := b.Subscribe(key)
			b.Unsubscribe(s)
		}()
		go func() {
			defer wg.Done()
			b.Publish(key, ev("x"))
		}()
	}
	wg.Wait()
	require.Zero(t, b.Subscribers(key))
}

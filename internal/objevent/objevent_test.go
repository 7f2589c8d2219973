package objevent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishInvokesMatchingSubscribersInOrder(t *testing.T) {
	b := New()
	var order []string
	b.Subscribe(BanChg|TTLChg, func(Mask, any) { order = append(order, "a") }, nil)
	b.Subscribe(TTLChg, func(Mask, any) { order = append(order, "b") }, nil)
	b.Subscribe(Insert, func(Mask, any) { order = append(order, "c") }, nil)

	b.Publish(TTLChg, nil)
	require.Equal(t, []string{"a", "b"}, order)
}

func TestPublishSkipsWhenNoSubscriberMatches(t *testing.T) {
	b := New()
	called := false
	b.Subscribe(Insert, func(Mask, any) { called = true }, nil)
	b.Publish(BanChg, nil)
	require.False(t, called)
}

func TestUnsubscribeRemovesAndRecomputesMask(t *testing.T) {
	b := New()
	h := b.Subscribe(BanChg, func(Mask, any) {}, nil)
	require.Equal(t, 1, b.Len())

	b.Unsubscribe(h)
	require.Equal(t, 0, b.Len())

	called := false
	b.Subscribe(TTLChg, func(Mask, any) { called = true }, nil)
	b.Publish(BanChg, nil)
	require.False(t, called)
}

func TestPublishPassesPriv(t *testing.T) {
	b := New()
	var got any
	b.Subscribe(Insert, func(_ Mask, priv any) { got = priv }, nil)
	b.Publish(Insert, "object-key")
	require.Equal(t, "object-key", got)
}

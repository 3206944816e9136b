package services

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelay() *RelayService {
	return NewRelayService(&config.Config{SecretKey: "k", RelayTokenValidity: time.Hour})
}

func TestRelayService_Tokens(t *testing.T) {
	s := newRelay()

	tok, err := s.IssueToken("fam-1")
	require.NoError(t, err)

	fam, err := s.Authorize(tok)
	require.NoError(t, err)
	assert.Equal(t, "fam-1", fam)

	other := NewRelayService(&config.Config{SecretKey: "other", RelayTokenValidity: time.Hour})
	_, err = other.Authorize(tok)
	require.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestRelayService_FanOut(t *testing.T) {
	s := newRelay()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx, "fam-1")
	b := s.Subscribe(ctx, "fam-1")
	c := s.Subscribe(ctx, "fam-2")

	assert.Equal(t, 2, s.Notify("fam-1"))

	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		default:
			t.Fatal("subscriber of fam-1 not signalled")
		}
	}
	select {
	case <-c:
		t.Fatal("fam-2 must not see fam-1 signals")
	default:
	}
}

func TestRelayService_SignalsCoalesce(t *testing.T) {
	s := newRelay()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx, "fam-1")
	s.Notify("fam-1")
	s.Notify("fam-1")
	s.Notify("fam-1")

	<-ch
	select {
	case <-ch:
		t.Fatal("expected a single pending signal")
	default:
	}
}

func TestRelayService_UnsubscribeOnCancel(t *testing.T) {
	s := newRelay()
	ctx, cancel := context.WithCancel(context.Background())

	s.Subscribe(ctx, "fam-1")
	require.Equal(t, 1, s.Subscribers("fam-1"))

	cancel()
	require.Eventually(t, func() bool { return s.Subscribers("fam-1") == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Notify("fam-1"))
}

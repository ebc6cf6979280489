package mesh

import (
	"context"
	"errors"
	"testing"
)

func TestSyncWithoutRedisDegradesGracefully(t *testing.T) {
	c := New(nil)
	st := c.Sync(context.Background(), func(context.Context) error { return nil })
	if st.ConnectedRedis {
		t.Fatal("expected ConnectedRedis false without a redis client")
	}
	if !st.LastSyncOK {
		t.Fatal("expected sync to still report ok when no redis is configured")
	}
}

func TestSyncRecordsFailure(t *testing.T) {
	c := New(nil)
	st := c.Sync(context.Background(), func(context.Context) error { return errors.New("mesh unreachable") })
	if st.LastSyncOK {
		t.Fatal("expected sync failure to be recorded")
	}
	if st.LastError == "" {
		t.Fatal("expected an error message")
	}
}

func TestStatsWithoutSyncYetIsZeroValue(t *testing.T) {
	c := New(nil)
	st := c.Stats(context.Background())
	if st.SyncCount != 0 {
		t.Fatalf("expected zero sync count before any sync, got %d", st.SyncCount)
	}
}

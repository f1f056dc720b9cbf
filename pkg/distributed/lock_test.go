package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Runs only against a real Redis: STUDYROOM_TEST_REDIS=localhost:6379.
func TestLeaser_OneHolderAtATime(t *testing.T) {
	addr := os.Getenv("STUDYROOM_TEST_REDIS")
	if addr == "" {
		t.Skip("STUDYROOM_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	prefix := "studyroom:test:lease:" + randomOwner() + ":"
	a := NewLeaser(client, prefix, "a")
	b := NewLeaser(client, prefix, "b")

	ok, err := a.Acquire(ctx, "expiry-sweep", time.Second)
	if err != nil || !ok {
		t.Fatalf("a.Acquire = %v, %v", ok, err)
	}
	if ok, _ := b.Acquire(ctx, "expiry-sweep", time.Second); ok {
		t.Fatal("b acquired a lease held by a")
	}
	if ok, _ := a.Acquire(ctx, "expiry-sweep", time.Second); !ok {
		t.Fatal("holder could not extend its lease")
	}

	if err := b.Release(ctx, "expiry-sweep"); err != nil {
		t.Fatalf("b.Release: %v", err)
	}
	if ok, _ := b.Acquire(ctx, "expiry-sweep", time.Second); ok {
		t.Fatal("release by a non-holder freed the lease")
	}

	if err := a.Release(ctx, "expiry-sweep"); err != nil {
		t.Fatalf("a.Release: %v", err)
	}
	if ok, _ := b.Acquire(ctx, "expiry-sweep", 50*time.Millisecond); !ok {
		t.Fatal("b could not take a released lease")
	}

	time.Sleep(100 * time.Millisecond)
	if ok, _ := a.Acquire(ctx, "expiry-sweep", time.Second); !ok {
		t.Fatal("lapsed lease was not free")
	}
	a.Release(ctx, "expiry-sweep")
}

func TestLeaser_RejectsTinyTTL(t *testing.T) {
	l := NewLeaser(nil, "x:", "")
	if l.Owner() == "" {
		t.Fatal("no owner generated")
	}
	if _, err := l.Acquire(context.Background(), "job", time.Microsecond); err == nil {
		t.Fatal("expected an error for a sub-millisecond ttl")
	}
}

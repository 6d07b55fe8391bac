package redisdb

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/db/storetest"
)

func TestRedisClientConformance(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) db.Client {
		srv := miniredis.RunT(t)
		rdb, err := Open(context.Background(), srv.Addr(), "", 0)
		if err != nil {
			t.Fatalf("open redis: %v", err)
		}
		client := NewRedisClient(rdb)
		t.Cleanup(func() { _ = client.Close() })
		return client
	})
}

func TestOpenFailsWhenUnreachable(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	if _, err := Open(context.Background(), addr, "", 0); err == nil {
		t.Fatalf("expected error for closed server")
	}
}

func TestVerificationMemberRoundTrip(t *testing.T) {
	t.Parallel()

	chatID, userID, episode, ok := parseVerificationMember(verificationMember(-1001, 42, 3))
	if !ok || chatID != -1001 || userID != 42 || episode != 3 {
		t.Fatalf("unexpected parse: %d %d %d %v", chatID, userID, episode, ok)
	}
	if _, _, _, ok := parseVerificationMember("garbage"); ok {
		t.Fatalf("expected garbage member to be rejected")
	}
}

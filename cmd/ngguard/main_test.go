package main

import (
	"testing"

	"github.com/iamwavecut/ngguard/internal/bot"
	"github.com/iamwavecut/ngguard/internal/commands"
	"github.com/iamwavecut/ngguard/internal/gatekeeper"
	"github.com/iamwavecut/ngguard/internal/voteban"
)

// Every component that removes or looks up members shares the member cache, so a
// removal by one of them is never hidden from the others by a cached status.
func TestMemberCacheServesEveryConsumer(t *testing.T) {
	t.Parallel()

	var members any = &bot.MemberCache{}
	if _, ok := members.(gatekeeper.Bot); !ok {
		t.Fatalf("member cache must serve the gatekeeper")
	}
	if _, ok := members.(voteban.Bot); !ok {
		t.Fatalf("member cache must serve vote bans")
	}
	if _, ok := members.(commands.Bot); !ok {
		t.Fatalf("member cache must serve commands")
	}
}

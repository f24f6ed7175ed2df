package moderation

import (
	"context"
	"regexp"
	"strconv"

	"github.com/antarber/nevermore/vkapi"
)

var mentionRe = regexp.MustCompile(`^\[id(\d+)\|[^\]]*\]$`)

// ResolveTarget finds the user a command refers to. A replied-to message
// always wins; otherwise the first argument is tried as a mention token or a
// numeric ID, then as a room nickname (case-insensitive, any room).
// consumed reports how many leading arguments were spent on targeting so the
// caller knows where the verb's own arguments start.
func (e *Engine) ResolveTarget(ctx context.Context, msg *vkapi.Message, args []string) (target int64, consumed int, ok bool) {
	if msg.ReplyMessage != nil && msg.ReplyMessage.FromID > 0 {
		return msg.ReplyMessage.FromID, 0, true
	}
	if len(args) == 0 {
		return 0, 0, false
	}
	tok := args[0]
	if m := mentionRe.FindStringSubmatch(tok); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil && id > 0 {
			return id, 1, true
		}
	}
	if id, err := strconv.ParseInt(tok, 10, 64); err == nil && id > 0 {
		return id, 1, true
	}
	if id, found, err := e.store.FindUserByNickname(ctx, tok); err == nil && found {
		return id, 1, true
	}
	return 0, 0, false
}

package reconciler

import (
	"strings"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// 交易所 clientOrderId 最长 36 个字符
const maxTokenLen = 36

// NewToken returns a fresh client idempotency token carrying prefix.
// A uuid encodes to at most 26 base62 characters; long prefixes are cut to fit.
func NewToken(prefix string) string {
	id := uuid.New()
	body := base62.EncodeToString(id[:])
	if room := maxTokenLen - len(body); len(prefix) > room {
		prefix = prefix[:room]
	}
	return prefix + body
}

// TokenPrefix derives the per-pair prefix that marks orders as ours.
func TokenPrefix(pair string) string {
	p := strings.ToLower(pair)
	if len(p) > 6 {
		p = p[:6]
	}
	return "lmm" + p + "-"
}

// Owns reports whether a client order id was issued with prefix.
func Owns(prefix, clientOrderID string) bool {
	return prefix != "" && strings.HasPrefix(clientOrderID, prefix)
}

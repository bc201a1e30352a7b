package domain

import (
	"crypto/sha1"
	"encoding/hex"
)

// TraceID derives the stable 40-char hex trace id for one inbound message.
// The id only depends on the chat and the channel's message id, so retries
// and restarts always land on the same receipt row.
func TraceID(chatJID, externalMessageID string) string {
	sum := sha1.Sum([]byte(chatJID + ":" + externalMessageID))
	return hex.EncodeToString(sum[:])
}

// ShortTraceID is the 10-char slice surfaced in user-visible failure notices.
func ShortTraceID(traceID string) string {
	if len(traceID) < 10 {
		return traceID
	}
	return traceID[:10]
}

// StableUserID maps a chat JID to the anonymized id recorded in the cost
// ledger: "u_" plus the first 16 hex chars of sha1("chat:"+jid).
func StableUserID(chatJID string) string {
	sum := sha1.Sum([]byte("chat:" + chatJID))
	return "u_" + hex.EncodeToString(sum[:])[:16]
}

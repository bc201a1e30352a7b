// Package ipc is the trust boundary for commands arriving from containers
// as JSON files. Identity is the source directory, never anything inside
// the payload; authenticity is an HMAC over the file contents.
package ipc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Envelope is the on-disk shape of a command file: the command JSON,
// base64-encoded, plus an HMAC-SHA256 signature over the encoded payload.
type Envelope struct {
	Payload string `json:"payload"`
	Sig     string `json:"sig"`
}

// Seal wraps a command document for writing into an IPC command directory.
// Exported for the agent-side tooling and the tests.
func Seal(command []byte, secret string) ([]byte, error) {
	payload := base64.StdEncoding.EncodeToString(command)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	env := Envelope{Payload: payload, Sig: hex.EncodeToString(mac.Sum(nil))}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("op=ipc.Seal: %w", err)
	}
	return out, nil
}

// Open verifies an envelope and returns the command document. A bad
// signature or malformed envelope is an authentication failure; callers
// delete the file.
func Open(data []byte, secret string) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("op=ipc.Open: malformed envelope: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(env.Payload))
	want := mac.Sum(nil)
	got, err := hex.DecodeString(env.Sig)
	if err != nil || !hmac.Equal(want, got) {
		return nil, fmt.Errorf("op=ipc.Open: bad signature")
	}
	command, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("op=ipc.Open: malformed payload: %w", err)
	}
	return command, nil
}

package pipeline

import (
	"sync"
	"time"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

// State is the single owner of the pipeline's mutable in-memory maps. The
// durable store stays authoritative for registered groups; this is a
// write-through snapshot replaced after every store mutation.
type State struct {
	mu sync.Mutex

	groupsByJID    map[string]domain.RegisteredGroup
	groupsByFolder map[string]domain.RegisteredGroup

	sessions map[string]domain.Session

	// lastTimestamp is the newest inbound timestamp seen across all groups;
	// monotone.
	lastTimestamp time.Time
	// cursors holds lastAgentTimestamp per chat JID: the newest timestamp
	// for which the agent has produced or been promised a response.
	cursors map[string]time.Time

	// inbox buffers inbound messages per chat JID until a response window
	// commits past them.
	inbox map[string][]domain.Message
}

// NewState builds an empty pipeline state.
func NewState() *State {
	return &State{
		groupsByJID:    make(map[string]domain.RegisteredGroup),
		groupsByFolder: make(map[string]domain.RegisteredGroup),
		sessions:       make(map[string]domain.Session),
		cursors:        make(map[string]time.Time),
		inbox:          make(map[string][]domain.Message),
	}
}

// SetGroups replaces the registered-group snapshot.
func (s *State) SetGroups(groups []domain.RegisteredGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupsByJID = make(map[string]domain.RegisteredGroup, len(groups))
	s.groupsByFolder = make(map[string]domain.RegisteredGroup, len(groups))
	for _, g := range groups {
		s.groupsByJID[g.JID] = g
		s.groupsByFolder[g.Folder] = g
	}
}

// GroupByJID looks a group up by chat JID.
func (s *State) GroupByJID(jid string) (domain.RegisteredGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groupsByJID[jid]
	return g, ok
}

// GroupByFolder looks a group up by folder.
func (s *State) GroupByFolder(folder string) (domain.RegisteredGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groupsByFolder[folder]
	return g, ok
}

// Groups snapshots all registered groups.
func (s *State) Groups() []domain.RegisteredGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RegisteredGroup, 0, len(s.groupsByJID))
	for _, g := range s.groupsByJID {
		out = append(out, g)
	}
	return out
}

// Observe records an inbound message: buffers it and advances the global
// last-seen timestamp.
func (s *State) Observe(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.After(s.lastTimestamp) {
		s.lastTimestamp = msg.Timestamp
	}
	buf := s.inbox[msg.ChatJID]
	// Insertion keeps the buffer in non-decreasing timestamp order with
	// stable-id tie-break so window processing matches arrival ordering.
	idx := len(buf)
	for idx > 0 {
		prev := buf[idx-1]
		if prev.Timestamp.Before(msg.Timestamp) ||
			(prev.Timestamp.Equal(msg.Timestamp) && prev.ID <= msg.ID) {
			break
		}
		idx--
	}
	buf = append(buf, domain.Message{})
	copy(buf[idx+1:], buf[idx:])
	buf[idx] = msg
	s.inbox[msg.ChatJID] = buf
}

// Window returns the messages past the group's cursor, in order.
func (s *State) Window(chatJID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor := s.cursors[chatJID]
	var out []domain.Message
	for _, m := range s.inbox[chatJID] {
		if m.Timestamp.After(cursor) {
			out = append(out, m)
		}
	}
	return out
}

// Cursor returns lastAgentTimestamp for a chat.
func (s *State) Cursor(chatJID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[chatJID]
}

// AdvanceCursor moves the cursor forward and prunes buffered messages at or
// before the previous cursor. Never moves backwards. The span it commits stays
// buffered until the next advance, so RollbackCursor can re-expose it.
func (s *State) AdvanceCursor(chatJID string, to time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cursors[chatJID]
	if !to.After(prev) {
		return
	}
	s.cursors[chatJID] = to
	buf := s.inbox[chatJID]
	kept := buf[:0]
	for _, m := range buf {
		if m.Timestamp.After(prev) {
			kept = append(kept, m)
		}
	}
	s.inbox[chatJID] = kept
}

// RollbackCursor restores the cursor after a failed run that shipped no
// output, so the retry re-processes the same window. Buffered messages are
// retained until AdvanceCursor prunes them.
func (s *State) RollbackCursor(chatJID string, to time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[chatJID] = to
}

// LastTimestamp returns the global inbound high-water mark.
func (s *State) LastTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTimestamp
}

// Session returns the cached resume token for a folder.
func (s *State) Session(folder string) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[folder]
	return sess, ok
}

// SetSession caches a resume token.
func (s *State) SetSession(sess domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.GroupFolder] = sess
}

// DropSession forgets a folder's resume token.
func (s *State) DropSession(folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, folder)
}

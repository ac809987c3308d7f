package store

import (
	"path/filepath"
	"sync"

	"veil/internal/domain"
)

const sessionsFilename = "sessions.json"

type sessionKey struct {
	User   domain.UserID
	Device domain.DeviceID
}

func (k sessionKey) String() string { return string(k.User) + "/" + string(k.Device) }

// SessionFileStore persists ratchet sessions to disk.
type SessionFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewSessionFileStore returns a SessionFileStore rooted at dir.
func NewSessionFileStore(dir string) *SessionFileStore {
	return &SessionFileStore{dir: dir}
}

// SaveSession writes the session record for its (peer user, peer device).
func (s *SessionFileStore) SaveSession(sess domain.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, sessionsFilename)
	sessions := map[string]domain.SessionState{}
	if err := readJSON(path, &sessions); err != nil {
		return err
	}
	sessions[sessionKey{sess.PeerUser, sess.PeerDevice}.String()] = sess
	return writeJSON(path, sessions, 0o600)
}

// LoadSession retrieves a stored session.
func (s *SessionFileStore) LoadSession(user domain.UserID, device domain.DeviceID) (domain.SessionState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, sessionsFilename)
	sessions := map[string]domain.SessionState{}
	if err := readJSON(path, &sessions); err != nil {
		return domain.SessionState{}, false, err
	}
	sess, ok := sessions[sessionKey{user, device}.String()]
	return sess, ok, nil
}

// MostRecentSession returns the user's session with the newest activity, for
// inbound messages that omit a device id.
func (s *SessionFileStore) MostRecentSession(user domain.UserID) (domain.SessionState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, sessionsFilename)
	sessions := map[string]domain.SessionState{}
	if err := readJSON(path, &sessions); err != nil {
		return domain.SessionState{}, false, err
	}

	var best domain.SessionState
	found := false
	for _, sess := range sessions {
		if sess.PeerUser != user {
			continue
		}
		if !found || sess.LastActiveUTC > best.LastActiveUTC {
			best = sess
			found = true
		}
	}
	return best, found, nil
}

var _ domain.SessionStore = (*SessionFileStore)(nil)

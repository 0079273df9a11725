package hls

// Store holds sessions keyed by canonical media path. It is not safe for
// concurrent use; Manager serializes access.
type Store interface {
	Get(path string) (*Session, bool)
	Set(s *Session)
	Delete(path string)
	List() []*Session
}

// InMemoryStore is the default Store.
type InMemoryStore struct {
	sessions map[string]*Session
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

func (s *InMemoryStore) Get(path string) (*Session, bool) {
	sess, ok := s.sessions[path]
	return sess, ok
}

func (s *InMemoryStore) Set(sess *Session) {
	s.sessions[sess.Path] = sess
}

func (s *InMemoryStore) Delete(path string) {
	delete(s.sessions, path)
}

func (s *InMemoryStore) List() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

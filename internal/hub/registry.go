package hub

// Registry maps user identities to the connection currently acting for them.
// A reverse index (connection -> identities) makes disconnect cleanup a direct
// lookup. Registry is not safe for concurrent use; the Hub owns it on its run
// goroutine.
type Registry struct {
	byUser map[string]string              // userID -> connID
	byConn map[string]map[string]struct{} // connID -> set of userIDs
	order  []string                       // userIDs in first-registration order
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]string),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Register binds userID to connID, replacing any previous binding. The old
// connection is not closed; it merely stops acting for userID. It reports
// whether userID was unknown before the call.
func (r *Registry) Register(userID, connID string) (first bool) {
	prev, known := r.byUser[userID]
	if known && prev == connID {
		return false
	}
	if known {
		r.unlink(prev, userID)
	} else {
		r.order = append(r.order, userID)
	}

	r.byUser[userID] = connID
	users, ok := r.byConn[connID]
	if !ok {
		users = make(map[string]struct{})
		r.byConn[connID] = users
	}
	users[userID] = struct{}{}
	return !known
}

// Lookup returns the connection bound to userID. A false result means the
// user is not reachable right now.
func (r *Registry) Lookup(userID string) (string, bool) {
	connID, ok := r.byUser[userID]
	return connID, ok
}

// RemoveByConn drops every identity bound to connID and returns them in
// registration order. Unknown connections yield nil.
func (r *Registry) RemoveByConn(connID string) []string {
	users, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	delete(r.byConn, connID)

	freed := make([]string, 0, len(users))
	kept := r.order[:0]
	for _, userID := range r.order {
		if _, gone := users[userID]; gone {
			delete(r.byUser, userID)
			freed = append(freed, userID)
			continue
		}
		kept = append(kept, userID)
	}
	r.order = kept
	return freed
}

// UserIDs returns the registered identities in first-registration order.
func (r *Registry) UserIDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	return len(r.byUser)
}

// Conns returns the number of connections acting for at least one identity.
func (r *Registry) Conns() int {
	return len(r.byConn)
}

func (r *Registry) unlink(connID, userID string) {
	users := r.byConn[connID]
	delete(users, userID)
	if len(users) == 0 {
		delete(r.byConn, connID)
	}
}

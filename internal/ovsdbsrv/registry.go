package ovsdbsrv

import (
	"fmt"
	"sync"

	"github.com/dantte-lp/ovsdb-server/internal/txn"
)

// errDatabaseExists is returned by registry.Add for a name already open.
var errDatabaseExists = fmt.Errorf("ovsdbsrv: database already open")

// registry is the Server's mutable txn.Registry: the teacher's BFD build
// never needed a runtime-editable database set, so this type has no
// teacher analogue — it exists purely to let `add-db`/`remove-db` mutate
// the set of open databases while sessions concurrently call Lookup/Names.
type registry struct {
	mu sync.RWMutex
	db map[string]txn.Database
}

func newRegistry() *registry {
	return &registry{db: make(map[string]txn.Database)}
}

// Lookup implements txn.Registry.
func (r *registry) Lookup(name string) (txn.Database, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.db[name]
	return d, ok
}

// Names implements txn.Registry.
func (r *registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.db))
	for n := range r.db {
		out = append(out, n)
	}
	return out
}

// Add registers db, failing if its name is already open.
func (r *registry) Add(db txn.Database) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.db[db.Name()]; exists {
		return fmt.Errorf("%w: %q", errDatabaseExists, db.Name())
	}
	r.db[db.Name()] = db
	return nil
}

// Remove unregisters name, a no-op if it is not open.
func (r *registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.db, name)
}

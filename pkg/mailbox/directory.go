package mailbox

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNameConflict   = errors.New("directory: name already bound")
	ErrNameResolution = errors.New("directory: name does not exist")
	ErrNotOwner       = errors.New("directory: name bound to another address")
)

// Directory maps discoverable names to mailbox addresses.
//
// It is only consulted when actors start and register, never on the
// message path.
type Directory interface {
	// Bind fails with `ErrNameConflict` if name is bound to another address.
	Bind(name string, addr Address) error
	Unbind(name string, addr Address) error
	// Resolve fails with `ErrNameResolution` if nobody owns name.
	Resolve(ctx context.Context, name string) (Address, error)
}

var _ Directory = (*MemoryDirectory)(nil)

// MemoryDirectory is a `Directory` shared by post offices of the same
// process.
type MemoryDirectory struct {
	names map[string]Address
	lk    sync.RWMutex
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		names: make(map[string]Address),
	}
}

func (dir *MemoryDirectory) Bind(name string, addr Address) error {
	if !ValidateName(name) {
		return ErrNameInvalid
	}
	dir.lk.Lock()
	defer dir.lk.Unlock()
	current, has := dir.names[name]
	if has && current != addr {
		return ErrNameConflict
	}
	dir.names[name] = addr
	return nil
}

func (dir *MemoryDirectory) Unbind(name string, addr Address) error {
	dir.lk.Lock()
	defer dir.lk.Unlock()
	current, has := dir.names[name]
	if !has {
		return ErrNameResolution
	}
	if current != addr {
		return ErrNotOwner
	}
	delete(dir.names, name)
	return nil
}

func (dir *MemoryDirectory) Resolve(_ context.Context, name string) (Address, error) {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	addr, has := dir.names[name]
	if !has {
		return Address{}, ErrNameResolution
	}
	return addr, nil
}

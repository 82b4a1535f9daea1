package transport

import "sync"

// addressBook maps node ids to network addresses.
type addressBook struct {
	mu    sync.RWMutex
	addrs map[string]string
}

func newAddressBook() *addressBook {
	return &addressBook{addrs: make(map[string]string)}
}

// set records addr for id and reports the previous address when it changed.
func (b *addressBook) set(id, addr string) (old string, changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, ok := b.addrs[id]
	b.addrs[id] = addr
	return old, !ok || old != addr
}

func (b *addressBook) remove(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr, ok := b.addrs[id]
	delete(b.addrs, id)
	return addr, ok
}

func (b *addressBook) get(id string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.addrs[id]
	return addr, ok
}

// resolve returns the address for target, or target itself when it is not a
// known node id.
func (b *addressBook) resolve(target string) string {
	if addr, ok := b.get(target); ok && addr != "" {
		return addr
	}
	return target
}

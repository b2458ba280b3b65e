package dispatch

import (
	"sync"

	"github.com/opd-ai/peerdial/interfaces"
	"github.com/opd-ai/peerdial/limits"
)

// Binding is the handler registered for a protocol word.
type Binding struct {
	Acceptor interfaces.ConnectionAcceptor

	// LocalOnly bindings accept loopback peers only
	LocalOnly bool

	// Blocking bindings run on their own goroutine when dispatched from a
	// non-blocking front end
	Blocking bool
}

// WordTable maps protocol words to bindings and tracks the longest
// registered word. The zero value is empty and ready to use.
type WordTable struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	maxLen   int
}

// Put binds every word to b, replacing earlier bindings. No word is added
// if any of them is invalid.
func (t *WordTable) Put(b Binding, words ...string) error {
	for _, w := range words {
		if err := limits.ValidateWord(w); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bindings == nil {
		t.bindings = make(map[string]Binding)
	}
	for _, w := range words {
		t.bindings[w] = b
	}
	t.recompute()
	return nil
}

// Remove drops the bindings for words. Unknown words are ignored.
func (t *WordTable) Remove(words ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range words {
		delete(t.bindings, w)
	}
	t.recompute()
}

func (t *WordTable) recompute() {
	t.maxLen = 0
	for w := range t.bindings {
		if len(w) > t.maxLen {
			t.maxLen = len(w)
		}
	}
}

// Lookup returns the binding for word.
func (t *WordTable) Lookup(word string) (Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.bindings[word]
	return b, ok
}

// MaxLen returns the length of the longest word, 0 when empty.
func (t *WordTable) MaxLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxLen
}

// Len returns the number of registered words.
func (t *WordTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bindings)
}

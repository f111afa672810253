package utils

import (
	"sync"
	"testing"
)

func TestIdGeneratorUniqueUnderConcurrency(t *testing.T) {
	gen := CreateIdGenerator(CreateRandomStringGenerator(42))

	const workers = 16
	const perWorker = 500

	var mut sync.Mutex
	seen := make(map[string]bool, workers*perWorker)

	wg := sync.WaitGroup{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, gen.NextId())
			}
			mut.Lock()
			defer mut.Unlock()
			for _, id := range local {
				if seen[id] {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = true
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d ids, got %d", workers*perWorker, len(seen))
	}
}

func TestRandomStringAlphabet(t *testing.T) {
	g := CreateRandomStringGenerator(7)
	s := g.GetRandomString(32)
	if len(s) != 32 {
		t.Fatalf("expected 32 chars, got %d", len(s))
	}
	for _, r := range s {
		if r == '0' || r == 'O' || r == 'l' || r == 'I' {
			t.Fatalf("ambiguous rune %q in %s", r, s)
		}
	}
}

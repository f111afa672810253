package utils

import (
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
)

type RandomStringGenerator struct {
	mut sync.Mutex
	gen *rand.Rand
}

func CreateRandomStringGenerator(seed int64) *RandomStringGenerator {
	return &RandomStringGenerator{
		mut: sync.Mutex{},
		gen: rand.New(rand.NewSource(seed)),
	}
}

var letters = []rune("123456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ")

func (g *RandomStringGenerator) GetRandomString(n int) string {
	g.mut.Lock()
	defer g.mut.Unlock()

	b := make([]rune, n)
	for i := range b {
		b[i] = letters[g.gen.Intn(len(letters))]
	}
	return string(b)
}

// IdGenerator hands out ids that are unique for the lifetime of one instance:
// a random per-instance prefix followed by a monotonically increasing counter.
type IdGenerator struct {
	prefix string
	next   atomic.Uint64
}

func CreateIdGenerator(gen *RandomStringGenerator) *IdGenerator {
	return &IdGenerator{
		prefix: gen.GetRandomString(8),
	}
}

func (g *IdGenerator) NextId() string {
	return g.prefix + "-" + strconv.FormatUint(g.next.Add(1), 36)
}

func Contains(needle string, haystack []string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

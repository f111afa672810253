// Package filter decides which outbound messages a router forwards, and how.
//
// A Map mirrors an API's route tree. Any node may carry a filter function, and
// the reserved empty key at any level is a wildcard meaning "anything deeper
// than here that nothing more specific matched". Preprocess flattens a Map into
// entries sorted so that a linear first-match scan picks the most specific one.
package filter

import (
	"sort"
	"strings"

	"github.com/sessamekesh/routebus/pkg/message"
)

// Wildcard is the reserved key matching every route under its parent.
const Wildcard = ""

const DefaultJoinSymbol = "."

type verdictKind uint8

const (
	verdictDrop verdictKind = iota
	verdictPass
	verdictBroadcast
)

// Verdict is what a filter function returns: drop, pass (optionally with a
// metadata patch), or broadcast.
type Verdict struct {
	kind  verdictKind
	patch message.Metadata
}

func Drop() Verdict { return Verdict{kind: verdictDrop} }
func Pass() Verdict { return Verdict{kind: verdictPass} }

// PassWith forwards the message with patch merged into its metadata.
func PassWith(patch message.Metadata) Verdict {
	return Verdict{kind: verdictPass, patch: patch}
}

// Broadcast forwards the message to every next hop with no id projection.
var Broadcast = Verdict{kind: verdictBroadcast}

// Allow turns a boolean predicate result into a Verdict.
func Allow(ok bool) Verdict {
	if ok {
		return Pass()
	}
	return Drop()
}

type Func func(msg *message.Message) Verdict

// Node is one level of a Map. Filter may be nil for pure branches.
type Node struct {
	Filter   Func
	Children Map
}

type Map map[string]Node

func Leaf(fn Func) Node { return Node{Filter: fn} }

func Branch(children Map) Node { return Node{Children: children} }

// Entry is one flattened filter.
type Entry struct {
	PathPrefix string
	Filter     Func

	segments   int
	keyLength  int
	isWildcard bool
	join       string
}

func (e Entry) matches(route string) bool {
	if e.isWildcard {
		return strings.HasPrefix(route, e.PathPrefix)
	}
	return route == e.PathPrefix || strings.HasPrefix(route, e.PathPrefix+e.join)
}

// Result is the outcome of a matching, non-dropping filter.
type Result struct {
	IsBroadcast bool
	Metadata    message.Metadata
}

func passAll(*message.Message) Verdict { return Pass() }

// Preprocess flattens m using the default join symbol.
func Preprocess(m Map) []Entry {
	return PreprocessWithJoin(m, DefaultJoinSymbol)
}

// PreprocessWithJoin flattens m into entries ordered longest path first; at
// equal depth the longer declared key wins so literals beat same-depth
// wildcards. A nil map yields a single catch-all.
func PreprocessWithJoin(m Map, join string) []Entry {
	if join == "" {
		join = DefaultJoinSymbol
	}
	if m == nil {
		return []Entry{{PathPrefix: "", Filter: passAll, isWildcard: true, join: join}}
	}

	entries := []Entry{}
	var walk func(path []string, m Map)
	walk = func(path []string, m Map) {
		for key, node := range m {
			segs := append(append([]string{}, path...), key)
			if node.Filter != nil {
				// A wildcard under A.B joins to "A.B.", a root wildcard to "".
				entries = append(entries, Entry{
					PathPrefix: strings.Join(segs, join),
					Filter:     node.Filter,
					segments:   len(segs),
					keyLength:  len(key),
					isWildcard: key == Wildcard,
					join:       join,
				})
			}
			if node.Children != nil && key != Wildcard {
				walk(segs, node.Children)
			}
		}
	}
	walk(nil, m)

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.segments != b.segments {
			return a.segments > b.segments
		}
		if a.keyLength != b.keyLength {
			return a.keyLength > b.keyLength
		}
		return a.PathPrefix < b.PathPrefix
	})

	return entries
}

// Evaluate returns nil when no entry matches or the matching filter drops the
// message. Only the first matching entry is consulted.
func Evaluate(entries []Entry, msg *message.Message) *Result {
	for _, e := range entries {
		if !e.matches(msg.Route) {
			continue
		}

		v := e.Filter(msg)
		switch v.kind {
		case verdictDrop:
			return nil
		case verdictBroadcast:
			return &Result{IsBroadcast: true, Metadata: msg.Metadata}
		default:
			return &Result{IsBroadcast: false, Metadata: msg.Metadata.Merge(v.patch)}
		}
	}
	return nil
}

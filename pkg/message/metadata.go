package message

import (
	"math"
	"time"
)

func (md Metadata) Clone() Metadata {
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// Merge returns a new map holding md overlaid with every patch in order.
// Neither md nor the patches are modified.
func (md Metadata) Merge(patches ...Metadata) Metadata {
	out := md.Clone()
	for _, p := range patches {
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}

func (md Metadata) StringValue(key string) (string, bool) {
	v, has := md[key]
	if !has {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// StringSlice reads a list of strings, tolerating the []any shape produced by
// generic decoders.
func (md Metadata) StringSlice(key string) ([]string, bool) {
	v, has := md[key]
	if !has || v == nil {
		return nil, false
	}

	switch typed := v.(type) {
	case []string:
		out := make([]string, len(typed))
		copy(out, typed)
		return out, true
	case []any:
		out := make([]string, 0, len(typed))
		for _, e := range typed {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}

	return nil, false
}

// Int64 reads an integer, tolerating the numeric types produced by JSON and CBOR decoders.
func (md Metadata) Int64(key string) (int64, bool) {
	v, has := md[key]
	if !has {
		return 0, false
	}

	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		return int64(n), true
	}

	return 0, false
}

// Time reads a unix-millisecond timestamp.
func (md Metadata) Time(key string) (time.Time, bool) {
	ms, ok := md.Int64(key)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

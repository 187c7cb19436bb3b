package core

// Upstream represents an upstream that clients can be forwarded to. It has
// value semantics and supports the comparison operators (==, !=), so it
// can be used directly as a map key.
type Upstream struct {
	Network string // Network is a net.Dial-compatible network, e.g. "tcp".
	Address string // Address is a net.Dial-compatible address, e.g. "host:port".
}

func (u Upstream) Name() string {
	return u.Network + "://" + u.Address
}

// UpstreamSet represents a set of Upstreams.
type UpstreamSet map[Upstream]struct{}

// EmptyUpstreamSet returns a new UpstreamSet containing no Upstreams.
func EmptyUpstreamSet() UpstreamSet {
	return make(UpstreamSet)
}

// NewUpstreamSet returns a new UpstreamSet containing the given Upstreams.
func NewUpstreamSet(upstreams ...Upstream) UpstreamSet {
	result := EmptyUpstreamSet()
	for _, u := range upstreams {
		result[u] = struct{}{}
	}
	return result
}

// Union returns a new UpstreamSet that is the union of the input sets.
func Union(lhs, rhs UpstreamSet) UpstreamSet {
	result := EmptyUpstreamSet()
	for k := range lhs {
		result[k] = struct{}{}
	}
	for k := range rhs {
		result[k] = struct{}{}
	}
	return result
}

// UnionUpdate updates the input acc UpstreamSet in-place by taking the union
// with the given rhs UpstreamSet. The modified input acc is returned.
func UnionUpdate(acc, rhs UpstreamSet) UpstreamSet {
	for k := range rhs {
		acc[k] = struct{}{}
	}
	return acc
}

// Intersection returns a new UpstreamSet containing only the Upstreams
// present in both lhs and rhs.
func Intersection(lhs, rhs UpstreamSet) UpstreamSet {
	result := EmptyUpstreamSet()
	small, big := lhs, rhs
	if len(rhs) < len(lhs) {
		small, big = rhs, lhs
	}
	for k := range small {
		if _, ok := big[k]; ok {
			result[k] = struct{}{}
		}
	}
	return result
}

// IntersectionUpdate updates the input acc UpstreamSet in-place, removing
// any Upstream not also present in rhs. The modified input acc is returned.
func IntersectionUpdate(acc, rhs UpstreamSet) UpstreamSet {
	for k := range acc {
		if _, ok := rhs[k]; !ok {
			delete(acc, k)
		}
	}
	return acc
}

// Difference returns a new UpstreamSet containing the Upstreams present in
// lhs but not in rhs.
func Difference(lhs, rhs UpstreamSet) UpstreamSet {
	result := EmptyUpstreamSet()
	for k := range lhs {
		if _, ok := rhs[k]; !ok {
			result[k] = struct{}{}
		}
	}
	return result
}

// DifferenceUpdate updates the input acc UpstreamSet in-place by removing
// any Upstream also present in rhs. The modified input acc is returned.
func DifferenceUpdate(acc, rhs UpstreamSet) UpstreamSet {
	for k := range rhs {
		delete(acc, k)
	}
	return acc
}

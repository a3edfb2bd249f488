// Package resource answers where a named resource inside the remote class
// path can be read from: still on the peer, or from a locally cached
// archive.
package resource

import (
	"fmt"

	"github.com/pyropy/remoting/lib/checksum"
	"github.com/pyropy/remoting/lib/utils"
)

const (
	RemoteScheme = "remote"
	LocalScheme  = "local"
)

// Archive is one element of the remote class path.
type Archive struct {
	Name        string
	Fingerprint checksum.Fingerprint
	Entries     []string
}

func (a Archive) Contains(name string) bool {
	return utils.Contains(a.Entries, name)
}

// Lookup reports already resolved archives. It must not fetch.
type Lookup interface {
	Resolved(fp checksum.Fingerprint) (string, bool)
}

type Resolver struct {
	peer     string
	cache    Lookup
	archives []Archive
}

// NewResolver searches archives in order. cache may be nil, in which case
// every resource is reported as remote.
func NewResolver(peer string, cache Lookup, archives ...Archive) *Resolver {
	return &Resolver{peer: peer, cache: cache, archives: archives}
}

// Resource returns the URL of the first archive holding name.
func (r *Resolver) Resource(name string) (string, bool) {
	for _, a := range r.archives {
		if a.Contains(name) {
			return r.URL(a, name), true
		}
	}

	return "", false
}

// Resources returns the URLs of every archive holding name, in class path
// order.
func (r *Resolver) Resources(name string) []string {
	var urls []string
	for _, a := range r.archives {
		if a.Contains(name) {
			urls = append(urls, r.URL(a, name))
		}
	}

	return utils.Unique(urls)
}

// URL points at name inside a: the local store path once the archive is
// resolved, the peer otherwise.
func (r *Resolver) URL(a Archive, name string) string {
	if r.cache != nil {
		if p, ok := r.cache.Resolved(a.Fingerprint); ok {
			return fmt.Sprintf("%s://%s::%s", LocalScheme, p, name)
		}
	}

	return fmt.Sprintf("%s://%s/%s::%s", RemoteScheme, r.peer, a.Name, name)
}

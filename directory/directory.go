// Package directory implements the service directory and address
// trie: a table of services, each either a local method trie or a
// remote/bridge/OSC-forwarder reference, and pattern-matched
// dispatch over the local trie.
package directory

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/aaronvark/o2/message"
)

// Kind distinguishes the four service categories of the data model.
type Kind int

const (
	KindLocal Kind = iota
	KindRemoteO2
	KindBridge
	KindOSCOut
)

// Status mirrors O2's external status codes, preserving their
// numeric ordering exactly since clients compare with >=.
type Status int

const (
	StatusFail            Status = -1
	StatusServiceConflict Status = -2 // reserved, never returned
	StatusNoService       Status = -3 // reserved, never returned
	StatusLocalNoTime     Status = 0
	StatusRemoteNoTime    Status = 1
	StatusBridgeNoTime    Status = 2
	StatusToOSCNoTime     Status = 3
	StatusLocal           Status = 4
	StatusRemote          Status = 5
	StatusBridge          Status = 6
	StatusToOSC           Status = 7
)

var (
	// ErrServiceExists is returned by AddService when the name is
	// already taken, preserving invariant 1 (exactly one Service
	// entry per name). The reserved SERVICE_CONFLICT status code is
	// never surfaced for this; callers get a Go error instead.
	ErrServiceExists = errors.New("directory: service name already exists")
	// ErrUnknownService is returned when an address's first segment
	// names no known service.
	ErrUnknownService = errors.New("directory: unknown service")
	// ErrNotLocal is returned by AddMethod when the target service is
	// not locally hosted.
	ErrNotLocal = errors.New("directory: service is not local")
)

// Service is a single entry in the directory: a named endpoint that
// is either a local method trie or a pointer to a remote peer's
// equivalent service.
type Service struct {
	Name   string
	Kind   Kind
	PeerID string // meaningful when Kind != KindLocal
	Synced bool

	root *Node
}

// Status computes this service's external status code from its kind
// and clock-sync state.
func (s *Service) Status() Status {
	switch s.Kind {
	case KindLocal:
		if s.Synced {
			return StatusLocal
		}
		return StatusLocalNoTime
	case KindRemoteO2:
		if s.Synced {
			return StatusRemote
		}
		return StatusRemoteNoTime
	case KindBridge:
		if s.Synced {
			return StatusBridge
		}
		return StatusBridgeNoTime
	case KindOSCOut:
		if s.Synced {
			return StatusToOSC
		}
		return StatusToOSCNoTime
	default:
		return StatusFail
	}
}

// Directory is the process-wide service table and address trie.
type Directory struct {
	services map[string]*Service
	cache    *exactCache
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		services: make(map[string]*Service),
		cache:    newExactCache(),
	}
}

// AddService registers a new service. name must be ASCII and contain
// no '/'.
func (d *Directory) AddService(name string, kind Kind, peerID string) (*Service, error) {
	if _, exists := d.services[name]; exists {
		return nil, ErrServiceExists
	}
	if strings.Contains(name, "/") {
		return nil, errors.New("directory: service name must not contain '/'")
	}
	svc := &Service{Name: name, Kind: kind, PeerID: peerID}
	if kind == KindLocal {
		svc.root = newNode(name)
	}
	d.services[name] = svc
	return svc, nil
}

// RemoveService deletes a service and every method installed under
// it.
func (d *Directory) RemoveService(name string) {
	delete(d.services, name)
	d.cache.invalidate()
}

// Service looks up a service by name.
func (d *Directory) Service(name string) (*Service, bool) {
	svc, ok := d.services[name]
	return svc, ok
}

// Services returns every registered service, for introspection
// (mirrors o2_services_list).
func (d *Directory) Services() []*Service {
	out := make([]*Service, 0, len(d.services))
	for _, s := range d.services {
		out = append(out, s)
	}
	return out
}

// AddMethod installs a handler at address, which must name a local
// service as its first segment.
func (d *Directory) AddMethod(address, typespec string, hasTypespec, coerce, parse bool, handler Handler, userData interface{}) (*Method, error) {
	segs, err := splitAddress(address)
	if err != nil {
		return nil, err
	}
	svc, ok := d.services[segs[0]]
	if !ok {
		return nil, ErrUnknownService
	}
	if svc.Kind != KindLocal {
		return nil, ErrNotLocal
	}
	m := &Method{
		Typespec:    typespec,
		HasTypespec: hasTypespec,
		Coerce:      coerce,
		Parse:       parse,
		Handler:     handler,
		UserData:    userData,
	}
	leaf := svc.root.upsert(segs[1:])
	leaf.methods = append(leaf.methods, m)
	d.cache.invalidate()
	return m, nil
}

// RemoveMethod uninstalls a previously added method.
func (d *Directory) RemoveMethod(address string, m *Method) {
	segs, err := splitAddress(address)
	if err != nil {
		return
	}
	svc, ok := d.services[segs[0]]
	if !ok || svc.Kind != KindLocal {
		return
	}
	leaf := svc.root.upsert(segs[1:])
	leaf.removeMethod(m)
	d.cache.invalidate()
}

// Resolve splits address into its service and remaining path
// segments, looking up the named service.
func (d *Directory) Resolve(address string) (*Service, []string, error) {
	segs, err := splitAddress(address)
	if err != nil {
		return nil, nil, err
	}
	svc, ok := d.services[segs[0]]
	if !ok {
		return nil, nil, ErrUnknownService
	}
	return svc, segs[1:], nil
}

// DispatchLocal invokes every method whose pattern matches segs under
// svc, in trie tie-break order, each once. It returns the number of
// handlers invoked.
func (d *Directory) DispatchLocal(svc *Service, segs []string, msg *message.Message) int {
	noWildcards := len(msg.Address) > 0 && msg.Address[0] == '!'
	invoked := 0

	if leaf, ok := d.cache.lookup(svc.Name, segs, noWildcards); ok {
		invoked += invokeLeaf(leaf, msg)
		return invoked
	}

	cacheable := noWildcards || !anyHasPatternChars(segs)
	svc.root.walk(segs, noWildcards, func(leaf *Node) {
		invoked += invokeLeaf(leaf, msg)
		if cacheable {
			d.cache.put(svc.Name, segs, leaf)
		}
	})
	return invoked
}

func invokeLeaf(leaf *Node, msg *message.Message) int {
	count := 0
	for _, m := range leaf.methods {
		argv, ok := m.matchAndExtract(msg)
		if !ok {
			continue
		}
		m.Handler(msg, argv, m.UserData)
		count++
	}
	return count
}

func anyHasPatternChars(segs []string) bool {
	for _, s := range segs {
		if hasPatternChars(s) {
			return true
		}
	}
	return false
}

func splitAddress(address string) ([]string, error) {
	if len(address) == 0 || (address[0] != '/' && address[0] != '!') {
		return nil, message.ErrAddressInvalid
	}
	trimmed := strings.TrimPrefix(strings.TrimPrefix(address, "/"), "!")
	if trimmed == "" {
		return nil, errors.New("directory: address has no service segment")
	}
	return strings.Split(trimmed, "/"), nil
}

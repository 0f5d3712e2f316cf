package dissect

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"firestige.xyz/dissect/internal/core"
)

// Handler decodes the bytes of c and returns how many it consumed.
// Handlers always receive a cursor whose offset is zero.
type Handler func(c Cursor, ctx *Context) (int, error)

// KeyWidth is the number of bits a table's keys occupy.
type KeyWidth uint8

const (
	Width8  KeyWidth = 8
	Width16 KeyWidth = 16
	Width24 KeyWidth = 24
	Width32 KeyWidth = 32
)

// Base is the display base of a table's keys.
type Base uint8

const (
	BaseDec Base = iota
	BaseHex
)

// Table names shared between dissector packages.
const (
	TableLinkType      = "link.type"
	TableEtherType     = "ethertype"
	TableCHDLCProtocol = "chdlc.protocol"
	TableGREProto      = "gre.proto"
	TableIPProto       = "ip.proto"
	TableIPv6NextHdr   = "ipv6.nxt"
	TablePPPProtocol   = "ppp.protocol"
	TableJuniperProto  = "juniper.proto"
	TableFRNLPID       = "fr.nlpid"
	TableLLCDSAP       = "llc.dsap"
	TableUDPPort       = "udp.port"
	TableTCPPort       = "tcp.port"
)

type entry struct {
	name    string
	handler Handler
}

// Table maps numeric keys of one protocol space to handlers.
type Table struct {
	Name     string
	Width    KeyWidth
	Base     Base
	handlers map[uint32]entry
}

// TableInfo describes a table for listing.
type TableInfo struct {
	Name    string      `json:"name" yaml:"name"`
	Width   KeyWidth    `json:"width" yaml:"width"`
	Base    Base        `json:"base" yaml:"base"`
	Entries []EntryInfo `json:"entries" yaml:"entries"`
}

// EntryInfo describes one registered key.
type EntryInfo struct {
	Key  uint32 `json:"key" yaml:"key"`
	Name string `json:"name" yaml:"name"`
}

// FormatKey renders a key in the table's base.
func (t TableInfo) FormatKey(k uint32) string {
	if t.Base == BaseHex {
		return fmt.Sprintf("0x%0*x", int(t.Width)/4, k)
	}
	return fmt.Sprintf("%d", k)
}

// Registry holds every dissector table and named dissector. Registration
// happens at startup; after Seal the registry is immutable and lookups take
// no lock.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
	named  map[string]entry
	sealed atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tables: make(map[string]*Table),
		named:  make(map[string]entry),
	}
}

// RegisterTable declares a table. Registering the same name twice with the
// same width is a no-op; a different width is a programming error.
func (r *Registry) RegisterTable(name string, width KeyWidth, base Base) (*Table, error) {
	if r.sealed.Load() {
		return nil, fmt.Errorf("%w: table %q", core.ErrRegistrySealed, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tables[name]; ok {
		if t.Width != width {
			return nil, fmt.Errorf("%w: %q has width %d, requested %d", core.ErrTableConflict, name, t.Width, width)
		}
		return t, nil
	}
	t := &Table{Name: name, Width: width, Base: base, handlers: make(map[uint32]entry)}
	r.tables[name] = t
	return t, nil
}

// AddHandler associates key in table with a handler named name.
func (r *Registry) AddHandler(table string, key uint32, name string, h Handler) error {
	if r.sealed.Load() {
		return fmt.Errorf("%w: %s/%d", core.ErrRegistrySealed, table, key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[table]
	if !ok {
		return fmt.Errorf("%w: %q", core.ErrTableNotFound, table)
	}
	if t.Width < Width32 && key >= 1<<uint(t.Width) {
		return fmt.Errorf("%w: key %d in %d-bit table %q", core.ErrKeyOutOfRange, key, t.Width, table)
	}
	if prev, exists := t.handlers[key]; exists {
		slog.Warn("dissector table entry replaced", "table", table, "key", key, "old", prev.name, "new", name)
	}
	t.handlers[key] = entry{name: name, handler: h}
	return nil
}

// RegisterNamed registers a dissector that can be invoked by name.
func (r *Registry) RegisterNamed(name string, h Handler) error {
	if r.sealed.Load() {
		return fmt.Errorf("%w: dissector %q", core.ErrRegistrySealed, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[name] = entry{name: name, handler: h}
	return nil
}

// Seal freezes the registry. It must happen before concurrent decodes start.
func (r *Registry) Seal() {
	r.sealed.Store(true)
}

// Sealed reports whether the registry has been sealed.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Lookup finds the handler registered for key in table.
func (r *Registry) Lookup(table string, key uint32) (Handler, string, bool) {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	t, ok := r.tables[table]
	if !ok {
		return nil, "", false
	}
	e, ok := t.handlers[key]
	if !ok {
		return nil, "", false
	}
	return e.handler, e.name, true
}

// Named finds a dissector registered by name.
func (r *Registry) Named(name string) (Handler, bool) {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	e, ok := r.named[name]
	return e.handler, ok
}

// Dispatch looks up key in table and invokes the handler directly. A missing
// handler yields ErrUnknownType, which callers treat as "render as data".
// Context.Call wraps Dispatch with containment and is what dissectors use.
func (r *Registry) Dispatch(table string, key uint32, c Cursor, ctx *Context) (int, error) {
	h, _, ok := r.Lookup(table, key)
	if !ok {
		return 0, fmt.Errorf("%w: %s %d", core.ErrUnknownType, table, key)
	}
	return h(c.Rest(), ctx)
}

// Tables lists every table and its entries sorted by name and key.
func (r *Registry) Tables() []TableInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TableInfo, 0, len(r.tables))
	for _, t := range r.tables {
		info := TableInfo{Name: t.Name, Width: t.Width, Base: t.Base}
		for k, e := range t.handlers {
			info.Entries = append(info.Entries, EntryInfo{Key: k, Name: e.name})
		}
		sort.Slice(info.Entries, func(i, j int) bool { return info.Entries[i].Key < info.Entries[j].Key })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

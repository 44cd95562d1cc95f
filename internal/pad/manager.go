package pad

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"

	"github.com/ottopad/ottopad/internal/apool"
	"github.com/ottopad/ottopad/internal/changeset"
	"github.com/ottopad/ottopad/internal/store"
)

var ErrPadExists = errors.New("pad: pad already exists")

// padIDPattern matches plain pad ids and group pad ids ("g.<16>$<name>").
var padIDPattern = regexp.MustCompile(`^(g\.[a-zA-Z0-9]{16}\$)?[^$]{1,50}$`)

// ValidPadID reports whether id is acceptable as a pad identifier.
func ValidPadID(id string) bool {
	return padIDPattern.MatchString(id)
}

// Manager owns the in-memory pad cache and everything that spans pads:
// creation, listing, deletion, copying, authors and read-only ids.
type Manager struct {
	db          store.Store
	logger      *log.Logger
	defaultText string

	Authors  *Authors
	ReadOnly *ReadOnly

	mu   sync.Mutex
	pads map[string]*Pad
}

func NewManager(db store.Store, logger *log.Logger, defaultText string) *Manager {
	return &Manager{
		db:          db,
		logger:      logger,
		defaultText: defaultText,
		Authors:     NewAuthors(db),
		ReadOnly:    NewReadOnly(db),
		pads:        make(map[string]*Pad),
	}
}

// Get returns the pad, creating it with the default text if it does not
// exist yet.
func (m *Manager) Get(ctx context.Context, id string) (*Pad, error) {
	return m.get(ctx, id, true, "")
}

// GetIfExists returns the pad or ErrNoSuchPad.
func (m *Manager) GetIfExists(ctx context.Context, id string) (*Pad, error) {
	return m.get(ctx, id, false, "")
}

// Create makes a new pad with the given initial text ("" means the
// configured default). It fails if the pad exists.
func (m *Manager) Create(ctx context.Context, id, text string) (*Pad, error) {
	if exists, err := m.Exists(ctx, id); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: %s", ErrPadExists, id)
	}
	return m.get(ctx, id, true, text)
}

func (m *Manager) get(ctx context.Context, id string, create bool, text string) (*Pad, error) {
	if !ValidPadID(id) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNoSuchPad, id)
	}
	m.mu.Lock()
	if p, ok := m.pads[id]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	p, err := m.load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchPad, id)
		}
		if text == "" {
			text = m.defaultText
		}
		if p, err = m.create(ctx, id, text); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pads[id]; ok {
		return existing, nil
	}
	m.pads[id] = p
	return p, nil
}

func (m *Manager) load(ctx context.Context, id string) (*Pad, error) {
	var rec padRecord
	if err := store.GetJSON(ctx, m.db, "pad:"+id, &rec); err != nil {
		return nil, err
	}
	if rec.Pool == nil {
		return nil, fmt.Errorf("%w: %s: record has no pool", ErrCorrupt, id)
	}
	return &Pad{
		ID:             id,
		db:             m.db,
		logger:         m.logger,
		pool:           rec.Pool,
		atext:          rec.AText,
		head:           rec.Head,
		chatHead:       rec.ChatHead,
		publicStatus:   rec.PublicStatus,
		passwordHash:   rec.PasswordHash,
		savedRevisions: rec.SavedRevisions,
	}, nil
}

func (m *Manager) create(ctx context.Context, id, text string) (*Pad, error) {
	p := &Pad{
		ID:       id,
		db:       m.db,
		logger:   m.logger,
		pool:     apool.New(),
		atext:    changeset.MakeAText("\n"),
		head:     -1,
		chatHead: -1,
	}
	first := changeset.MakeSplice("\n", 0, 0, CleanText(text))
	if _, err := p.AppendRevision(ctx, first, ""); err != nil {
		return nil, err
	}
	return p, nil
}

// Exists reports whether the pad has a stored record, without loading it.
func (m *Manager) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	if _, ok := m.pads[id]; ok {
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()
	_, err := m.db.Get(ctx, "pad:"+id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the ids of all stored pads.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	keys, err := m.db.FindKeys(ctx, "pad:*", "pad:*:*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, "pad:"))
	}
	return ids, nil
}

// Unload drops a pad from the cache. The next Get reloads it from storage.
func (m *Manager) Unload(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pads, id)
}

// Remove deletes a pad: revisions, chat, read-only mapping, author
// back-references, then the pad record itself.
func (m *Manager) Remove(ctx context.Context, id string) error {
	p, err := m.GetIfExists(ctx, id)
	if err != nil {
		return err
	}
	for _, author := range p.allAuthors() {
		if err := m.Authors.RemovePad(ctx, author, id); err != nil {
			return err
		}
	}
	if err := m.ReadOnly.Forget(ctx, id); err != nil {
		return err
	}
	keys, err := m.db.FindKeys(ctx, "pad:"+id+":*", "")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := m.db.Remove(ctx, k); err != nil {
			return err
		}
	}
	if err := m.db.Remove(ctx, "pad:"+id); err != nil {
		return err
	}
	m.Unload(id)
	return nil
}

// allAuthors lists the author ids present in the pad's pool.
func (p *Pad) allAuthors() []string {
	var authors []string
	p.pool.Each(func(_ int, a apool.Attribute) {
		if a.Key == "author" && a.Value != "" {
			authors = append(authors, a.Value)
		}
	})
	return authors
}

// Copy clones a pad with its full history by copying every stored record
// under the new id. Read-only ids are minted fresh for the copy.
func (m *Manager) Copy(ctx context.Context, srcID, dstID string) (*Pad, error) {
	src, err := m.GetIfExists(ctx, srcID)
	if err != nil {
		return nil, err
	}
	if !ValidPadID(dstID) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNoSuchPad, dstID)
	}
	if exists, err := m.Exists(ctx, dstID); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: %s", ErrPadExists, dstID)
	}

	srcPrefix := "pad:" + srcID
	keys, err := m.db.FindKeys(ctx, srcPrefix+":*", "")
	if err != nil {
		return nil, err
	}
	keys = append(keys, srcPrefix)
	for _, k := range keys {
		val, err := m.db.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		dstKey := "pad:" + dstID + strings.TrimPrefix(k, srcPrefix)
		if err := m.db.Set(ctx, dstKey, val); err != nil {
			return nil, err
		}
	}
	for _, author := range src.allAuthors() {
		if err := m.Authors.AddPad(ctx, author, dstID); err != nil {
			return nil, err
		}
	}
	return m.GetIfExists(ctx, dstID)
}

// CopyWithoutHistory creates a new pad whose single revision reproduces the
// source's current content and attribution.
func (m *Manager) CopyWithoutHistory(ctx context.Context, srcID, dstID, authorID string) (*Pad, error) {
	src, err := m.GetIfExists(ctx, srcID)
	if err != nil {
		return nil, err
	}
	if exists, err := m.Exists(ctx, dstID); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: %s", ErrPadExists, dstID)
	}
	if !ValidPadID(dstID) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNoSuchPad, dstID)
	}
	// bootstrap the destination empty, not with the default text
	dst, err := m.create(ctx, dstID, "")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.pads[dstID] = dst
	m.mu.Unlock()
	cs, err := changeset.InsertAText(src.AText())
	if err != nil {
		return nil, err
	}
	cs, err = changeset.MoveOpsToNewPool(cs, src.Pool(), dst.Pool())
	if err != nil {
		return nil, err
	}
	if _, err := dst.AppendRevision(ctx, cs, authorID); err != nil {
		return nil, err
	}
	for _, author := range src.allAuthors() {
		if err := m.Authors.AddPad(ctx, author, dstID); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

package pad

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ottopad/ottopad/internal/store"
)

// colorPalette is the set of author colors handed out on registration; an
// author record stores an index into it.
var colorPalette = []string{
	"#ffc7c7", "#fff1c7", "#e3ffc7", "#c7ffd5", "#c7ffff", "#c7d5ff", "#e3c7ff",
	"#ffc7f1", "#ffa8a8", "#ffe699", "#cfff9e", "#99ffb3", "#a3ffff", "#99b3ff",
	"#cc99ff", "#ff99e5", "#e7b1b1", "#e9dcaf", "#cde9af", "#bfedcc", "#b1e7e7",
	"#c3cdee", "#d2b8ea", "#eec3e6", "#e9cece", "#e7e0ca", "#d3e5c7", "#bce1c5",
	"#c1e2e2", "#c1c9e2", "#cfc1e2", "#e0bdd9",
}

// ColorPalette returns the author color table sent to clients.
func ColorPalette() []string {
	out := make([]string, len(colorPalette))
	copy(out, colorPalette)
	return out
}

var ErrNoSuchAuthor = errors.New("pad: no such author")

// AuthorRecord is the persisted state of a global author
// ("globalAuthor:<id>" keys).
type AuthorRecord struct {
	ColorID   int            `json:"colorId"`
	Name      string         `json:"name,omitempty"`
	Timestamp int64          `json:"timestamp"`
	PadIDs    map[string]int `json:"padIDs,omitempty"`
}

// Authors is the registry mapping client tokens to stable author identities.
type Authors struct {
	db store.Store
}

func NewAuthors(db store.Store) *Authors {
	return &Authors{db: db}
}

// randomID yields a 16-char lower-case hex id.
func randomID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:16]
}

// CreateAuthor registers a fresh author and returns its "a.<id>" identifier.
func (a *Authors) CreateAuthor(ctx context.Context, name string) (string, error) {
	authorID := "a." + randomID()
	rec := AuthorRecord{
		ColorID:   rand.Intn(len(colorPalette)),
		Name:      name,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := store.SetJSON(ctx, a.db, "globalAuthor:"+authorID, rec); err != nil {
		return "", err
	}
	return authorID, nil
}

// CreateAuthorIfNotExistsFor resolves a client token ("t.<rand>") to its
// author, registering one on first sight.
func (a *Authors) CreateAuthorIfNotExistsFor(ctx context.Context, token, name string) (string, error) {
	key := "token2author:" + token
	authorID, err := a.db.Get(ctx, key)
	if err == nil {
		if name != "" {
			if err := a.SetName(ctx, authorID, name); err != nil {
				return "", err
			}
		}
		return authorID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	authorID, err = a.CreateAuthor(ctx, name)
	if err != nil {
		return "", err
	}
	if err := a.db.Set(ctx, key, authorID); err != nil {
		return "", err
	}
	return authorID, nil
}

func (a *Authors) Get(ctx context.Context, authorID string) (AuthorRecord, error) {
	var rec AuthorRecord
	err := store.GetJSON(ctx, a.db, "globalAuthor:"+authorID, &rec)
	if errors.Is(err, store.ErrNotFound) {
		return rec, fmt.Errorf("%w: %s", ErrNoSuchAuthor, authorID)
	}
	return rec, err
}

func (a *Authors) Color(ctx context.Context, authorID string) (string, error) {
	raw, err := store.GetSub(ctx, a.db, "globalAuthor:"+authorID, "colorId")
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNoSuchAuthor, authorID)
	}
	if err != nil {
		return "", err
	}
	colorID, err := strconv.Atoi(raw)
	if err != nil || colorID < 0 || colorID >= len(colorPalette) {
		return colorPalette[0], nil
	}
	return colorPalette[colorID], nil
}

func (a *Authors) SetName(ctx context.Context, authorID, name string) error {
	return store.SetSub(ctx, a.db, "globalAuthor:"+authorID, "name", jsonString(name))
}

func (a *Authors) SetColorID(ctx context.Context, authorID string, colorID int) error {
	if colorID < 0 || colorID >= len(colorPalette) {
		return fmt.Errorf("pad: color id %d out of range", colorID)
	}
	return store.SetSub(ctx, a.db, "globalAuthor:"+authorID, "colorId", fmt.Sprintf("%d", colorID))
}

// AddPad records that authorID has contributed to padID.
func (a *Authors) AddPad(ctx context.Context, authorID, padID string) error {
	rec, err := a.Get(ctx, authorID)
	if errors.Is(err, ErrNoSuchAuthor) {
		// tolerated: history imported from elsewhere may reference unknown
		// authors
		return nil
	}
	if err != nil {
		return err
	}
	if rec.PadIDs == nil {
		rec.PadIDs = map[string]int{}
	}
	if _, ok := rec.PadIDs[padID]; ok {
		return nil
	}
	rec.PadIDs[padID] = 1
	return store.SetJSON(ctx, a.db, "globalAuthor:"+authorID, rec)
}

// RemovePad forgets a deleted pad on the author record.
func (a *Authors) RemovePad(ctx context.Context, authorID, padID string) error {
	rec, err := a.Get(ctx, authorID)
	if errors.Is(err, ErrNoSuchAuthor) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, ok := rec.PadIDs[padID]; !ok {
		return nil
	}
	delete(rec.PadIDs, padID)
	return store.SetJSON(ctx, a.db, "globalAuthor:"+authorID, rec)
}

// PadsOf lists the pads an author has touched.
func (a *Authors) PadsOf(ctx context.Context, authorID string) ([]string, error) {
	rec, err := a.Get(ctx, authorID)
	if err != nil {
		return nil, err
	}
	pads := make([]string, 0, len(rec.PadIDs))
	for id := range rec.PadIDs {
		pads = append(pads, id)
	}
	return pads, nil
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

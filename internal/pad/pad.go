// Package pad implements the revision log and pad state machine: an
// append-only sequence of changesets per document, with periodic key-revision
// snapshots, chat, saved revisions and the author registry.
package pad

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/ottopad/ottopad/internal/apool"
	"github.com/ottopad/ottopad/internal/changeset"
	"github.com/ottopad/ottopad/internal/store"
)

// keyRevInterval is the spacing of full-snapshot revisions. Rebuilding any
// historical state applies at most keyRevInterval-1 changesets.
const keyRevInterval = 100

var (
	ErrNoSuchPad      = errors.New("pad: no such pad")
	ErrNoSuchRevision = errors.New("pad: no such revision")
	// ErrCorrupt reports stored pad state that cannot be reconciled with its
	// revision log.
	ErrCorrupt = errors.New("pad: corrupt pad")
)

// SavedRevision is a user-bookmarked revision.
type SavedRevision struct {
	ID        string `json:"id"`
	Rev       int    `json:"revNum"`
	SavedBy   string `json:"savedById"`
	Label     string `json:"label"`
	Timestamp int64  `json:"timestamp"`
}

// ChatMessage is one entry of a pad's chat log.
type ChatMessage struct {
	Text     string `json:"text"`
	AuthorID string `json:"userId"`
	Time     int64  `json:"time"`
}

// padRecord is the persisted shape of "pad:<id>".
type padRecord struct {
	AText          changeset.AText `json:"atext"`
	Pool           *apool.Pool     `json:"pool"`
	Head           int             `json:"head"`
	ChatHead       int             `json:"chatHead"`
	PublicStatus   bool            `json:"publicStatus"`
	PasswordHash   string          `json:"passwordHash,omitempty"`
	SavedRevisions []SavedRevision `json:"savedRevisions,omitempty"`
}

// revRecord is the persisted shape of "pad:<id>:revs:<n>". Key revisions
// additionally carry the pool and the AText after the changeset.
type revRecord struct {
	Changeset string  `json:"changeset"`
	Meta      revMeta `json:"meta"`
}

type revMeta struct {
	Author    string           `json:"author"`
	Timestamp int64            `json:"timestamp"`
	Pool      *apool.Pool      `json:"pool,omitempty"`
	AText     *changeset.AText `json:"atext,omitempty"`
}

// Pad is the in-memory head state of one document. Pads are not safe for
// concurrent mutation: all writes to a pad flow through its coordinator
// queue, which serializes them.
type Pad struct {
	ID string

	db     store.Store
	logger *log.Logger

	pool           *apool.Pool
	atext          changeset.AText
	head           int
	chatHead       int
	publicStatus   bool
	passwordHash   string
	savedRevisions []SavedRevision
}

// Head returns the latest revision number, -1 for a pad with no revisions.
func (p *Pad) Head() int { return p.head }

// ChatHead returns the latest chat message number, -1 when there is none.
func (p *Pad) ChatHead() int { return p.chatHead }

// Pool returns the pad's attribute pool. The pool is append-only; readers
// may hold it across revisions.
func (p *Pad) Pool() *apool.Pool { return p.pool }

// AText returns the current document snapshot.
func (p *Pad) AText() changeset.AText { return p.atext }

// Text returns the current plain text, always newline-terminated.
func (p *Pad) Text() string { return p.atext.Text }

// PasswordHash returns the stored access password hash, empty when the pad
// is not password protected.
func (p *Pad) PasswordHash() string { return p.passwordHash }

func (p *Pad) SetPasswordHash(ctx context.Context, hash string) error {
	p.passwordHash = hash
	return p.save(ctx)
}

func (p *Pad) PublicStatus() bool { return p.publicStatus }

func (p *Pad) SetPublicStatus(ctx context.Context, public bool) error {
	p.publicStatus = public
	return p.save(ctx)
}

func (p *Pad) key() string { return "pad:" + p.ID }

func (p *Pad) revKey(rev int) string {
	return p.key() + ":revs:" + strconv.Itoa(rev)
}

func (p *Pad) chatKey(n int) string {
	return p.key() + ":chat:" + strconv.Itoa(n)
}

func (p *Pad) save(ctx context.Context) error {
	return store.SetJSON(ctx, p.db, p.key(), padRecord{
		AText:          p.atext,
		Pool:           p.pool,
		Head:           p.head,
		ChatHead:       p.chatHead,
		PublicStatus:   p.publicStatus,
		PasswordHash:   p.passwordHash,
		SavedRevisions: p.savedRevisions,
	})
}

// AppendRevision applies cs to the pad and persists it as the next revision.
// A changeset that leaves the document untouched is dropped and the current
// head returned. The revision record is written before the pad record so a
// stored head never points at a missing revision.
func (p *Pad) AppendRevision(ctx context.Context, cs, authorID string) (int, error) {
	newAText, err := changeset.ApplyToAText(cs, p.atext, p.pool)
	if err != nil {
		return p.head, err
	}
	if newAText == p.atext && p.head != -1 {
		return p.head, nil
	}
	if authorID != "" {
		p.pool.Put(apool.Attribute{Key: "author", Value: authorID})
	}

	newRev := p.head + 1
	meta := revMeta{Author: authorID, Timestamp: time.Now().UnixMilli()}
	if newRev%keyRevInterval == 0 {
		meta.Pool = p.pool
		meta.AText = &newAText
	}
	if err := store.SetJSON(ctx, p.db, p.revKey(newRev), revRecord{Changeset: cs, Meta: meta}); err != nil {
		return p.head, err
	}
	p.head = newRev
	p.atext = newAText
	if err := p.save(ctx); err != nil {
		return p.head, err
	}
	return p.head, nil
}

func (p *Pad) getRevision(ctx context.Context, rev int) (revRecord, error) {
	var rec revRecord
	err := store.GetJSON(ctx, p.db, p.revKey(rev), &rec)
	if errors.Is(err, store.ErrNotFound) {
		return rec, fmt.Errorf("%w: %s rev %d", ErrNoSuchRevision, p.ID, rev)
	}
	return rec, err
}

// GetRevisionChangeset returns the stored changeset of a revision.
func (p *Pad) GetRevisionChangeset(ctx context.Context, rev int) (string, error) {
	rec, err := p.getRevision(ctx, rev)
	return rec.Changeset, err
}

// GetRevisionAuthor returns the author of a revision, "" for system edits.
func (p *Pad) GetRevisionAuthor(ctx context.Context, rev int) (string, error) {
	rec, err := p.getRevision(ctx, rev)
	return rec.Meta.Author, err
}

// GetRevisionDate returns the commit time of a revision in Unix
// milliseconds.
func (p *Pad) GetRevisionDate(ctx context.Context, rev int) (int64, error) {
	rec, err := p.getRevision(ctx, rev)
	return rec.Meta.Timestamp, err
}

// GetInternalRevisionAText reconstructs the document as of rev by loading
// the nearest key-revision snapshot at or below it and replaying the
// changesets in between.
func (p *Pad) GetInternalRevisionAText(ctx context.Context, rev int) (changeset.AText, error) {
	if rev < 0 || rev > p.head {
		return changeset.AText{}, fmt.Errorf("%w: %s rev %d (head %d)", ErrNoSuchRevision, p.ID, rev, p.head)
	}
	if rev == p.head {
		return p.atext, nil
	}
	keyRev := rev / keyRevInterval * keyRevInterval
	keyRec, err := p.getRevision(ctx, keyRev)
	if err != nil {
		return changeset.AText{}, err
	}
	if keyRec.Meta.AText == nil {
		return changeset.AText{}, fmt.Errorf("%w: %s rev %d lacks its snapshot", ErrCorrupt, p.ID, keyRev)
	}
	atext := *keyRec.Meta.AText
	for r := keyRev + 1; r <= rev; r++ {
		rec, err := p.getRevision(ctx, r)
		if err != nil {
			return changeset.AText{}, err
		}
		atext, err = changeset.ApplyToAText(rec.Changeset, atext, p.pool)
		if err != nil {
			return changeset.AText{}, fmt.Errorf("%w: %s rev %d: %v", ErrCorrupt, p.ID, r, err)
		}
	}
	return atext, nil
}

// SetText replaces the whole document. The stored revision is a diff
// against the current text, so unchanged regions keep their attribution.
func (p *Pad) SetText(ctx context.Context, text, authorID string) (int, error) {
	cleaned := CleanText(text)
	if len(cleaned) == 0 || cleaned[len(cleaned)-1] != '\n' {
		cleaned += "\n"
	}
	cs := changeset.Diff(p.Text(), cleaned)
	return p.AppendRevision(ctx, cs, authorID)
}

// AppendText inserts text before the final newline.
func (p *Pad) AppendText(ctx context.Context, text, authorID string) (int, error) {
	old := p.Text()
	cs := changeset.MakeSplice(old, len(old)-1, 0, CleanText(text))
	return p.AppendRevision(ctx, cs, authorID)
}

// AppendChatMessage persists msg as the next chat entry.
func (p *Pad) AppendChatMessage(ctx context.Context, msg ChatMessage) (int, error) {
	n := p.chatHead + 1
	if err := store.SetJSON(ctx, p.db, p.chatKey(n), msg); err != nil {
		return p.chatHead, err
	}
	p.chatHead = n
	if err := p.save(ctx); err != nil {
		return p.chatHead, err
	}
	return p.chatHead, nil
}

// GetChatMessages returns chat entries start..end inclusive. Unreadable
// entries are skipped with a warning rather than failing the whole range.
func (p *Pad) GetChatMessages(ctx context.Context, start, end int) ([]ChatMessage, error) {
	if start < 0 {
		start = 0
	}
	if end > p.chatHead {
		end = p.chatHead
	}
	var msgs []ChatMessage
	for n := start; n <= end; n++ {
		var msg ChatMessage
		if err := store.GetJSON(ctx, p.db, p.chatKey(n), &msg); err != nil {
			p.logger.Printf("pad %s: dropping broken chat entry %d: %v", p.ID, n, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// AddSavedRevision bookmarks rev. Duplicate bookmarks of the same revision
// are kept, matching the idea that different users may star the same state.
func (p *Pad) AddSavedRevision(ctx context.Context, rev int, authorID, label string) (SavedRevision, error) {
	if rev < 0 || rev > p.head {
		return SavedRevision{}, fmt.Errorf("%w: %s rev %d", ErrNoSuchRevision, p.ID, rev)
	}
	if label == "" {
		label = fmt.Sprintf("Revision %d", rev)
	}
	saved := SavedRevision{
		ID:        randomID(),
		Rev:       rev,
		SavedBy:   authorID,
		Label:     label,
		Timestamp: time.Now().UnixMilli(),
	}
	p.savedRevisions = append(p.savedRevisions, saved)
	if err := p.save(ctx); err != nil {
		return SavedRevision{}, err
	}
	return saved, nil
}

// SavedRevisions lists the bookmarks in creation order.
func (p *Pad) SavedRevisions() []SavedRevision {
	out := make([]SavedRevision, len(p.savedRevisions))
	copy(out, p.savedRevisions)
	return out
}

// Check audits the pad: pool consistency, presence and well-formedness of
// every revision, snapshot agreement at key revisions, and that replaying
// the whole log reproduces the live AText.
func (p *Pad) Check(ctx context.Context) error {
	if err := p.pool.Check(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, p.ID, err)
	}
	if p.head < 0 {
		return fmt.Errorf("%w: %s: head %d", ErrCorrupt, p.ID, p.head)
	}
	atext := changeset.MakeAText("\n")
	for r := 0; r <= p.head; r++ {
		rec, err := p.getRevision(ctx, r)
		if err != nil {
			return err
		}
		if err := changeset.CheckRep(rec.Changeset); err != nil {
			return fmt.Errorf("%w: %s rev %d: %v", ErrCorrupt, p.ID, r, err)
		}
		var badNum int
		ok := true
		err = changeset.EachAttribNumber(rec.Changeset, func(num int) {
			if _, found := p.pool.Get(num); !found && ok {
				ok, badNum = false, num
			}
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s rev %d references attribute %d missing from pool", ErrCorrupt, p.ID, r, badNum)
		}
		atext, err = changeset.ApplyToAText(rec.Changeset, atext, p.pool)
		if err != nil {
			return fmt.Errorf("%w: %s rev %d: %v", ErrCorrupt, p.ID, r, err)
		}
		if r%keyRevInterval == 0 {
			if rec.Meta.AText == nil {
				return fmt.Errorf("%w: %s rev %d lacks its snapshot", ErrCorrupt, p.ID, r)
			}
			if *rec.Meta.AText != atext {
				return fmt.Errorf("%w: %s rev %d snapshot disagrees with replay", ErrCorrupt, p.ID, r)
			}
		}
	}
	if atext != p.atext {
		return fmt.Errorf("%w: %s: replayed state disagrees with head", ErrCorrupt, p.ID)
	}
	return nil
}

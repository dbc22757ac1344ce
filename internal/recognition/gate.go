package recognition

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chadiek/memoir-glasses/internal/logging"
)

const identityKey = "identity"

// Gate tracks which person is displayed and which person the camera
// confirmed, and decides when a conversation may start.
type Gate struct {
	persist Persister
	logger  zerolog.Logger

	// OnChange observes every identity update.
	OnChange func(Identity)

	mu sync.Mutex
	id Identity
}

// NewGate restores the persisted identity. p may be nil.
func NewGate(ctx context.Context, p Persister) *Gate {
	g := &Gate{persist: p, logger: logging.Component("recognition")}
	if p != nil {
		var id Identity
		ok, err := p.Load(ctx, identityKey, &id)
		if err != nil {
			g.logger.Warn().Err(err).Msg("identity restore failed")
		} else if ok {
			g.id = id
		}
	}
	return g
}

// Identity returns the current identity.
func (g *Gate) Identity() Identity {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.id
}

// IsEligibleToStart is true only when the displayed profile is the face the
// camera matched and no conversation is running.
func (g *Gate) IsEligibleToStart(conversationActive bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !conversationActive &&
		g.id.DisplayedPersonID != 0 &&
		g.id.MatchedPersonID != 0 &&
		g.id.DisplayedPersonID == g.id.MatchedPersonID
}

// IsEligibleFor is IsEligibleToStart narrowed to one person: personID must
// be the face the camera matched.
func (g *Gate) IsEligibleFor(personID PersonID, conversationActive bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !conversationActive &&
		personID != 0 &&
		g.id.DisplayedPersonID == personID &&
		g.id.MatchedPersonID == personID
}

// CanRecognize reports whether the recognize action is enabled.
func (g *Gate) CanRecognize(present, conversationActive bool) bool {
	return present && !conversationActive
}

// OnFaceMatched records a successful match and displays that person.
func (g *Gate) OnFaceMatched(id PersonID) {
	g.update(func(cur *Identity) {
		cur.DisplayedPersonID = id
		cur.MatchedPersonID = id
	})
}

// OnProfileOpened displays a person picked by hand. The match is kept.
func (g *Gate) OnProfileOpened(id PersonID) {
	g.update(func(cur *Identity) { cur.DisplayedPersonID = id })
}

// ResetForNewSession forgets the previous match. Called once at boot so a
// stale match never authorizes a conversation.
func (g *Gate) ResetForNewSession() {
	g.update(func(cur *Identity) { cur.MatchedPersonID = 0 })
}

func (g *Gate) update(fn func(*Identity)) {
	g.mu.Lock()
	fn(&g.id)
	id := g.id
	g.mu.Unlock()

	if g.persist != nil {
		// best-effort; the in-memory value stays authoritative
		if err := g.persist.Save(context.Background(), identityKey, id); err != nil {
			g.logger.Warn().Err(err).Msg("identity persist failed")
		}
	}
	if g.OnChange != nil {
		g.OnChange(id)
	}
}

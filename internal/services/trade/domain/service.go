// Package domain implements the two-party trade coordinator: the offer
// state machine, commit-time revalidation, the atomic exchange, and the
// stale-trade reaper.
package domain

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pennyrealm/pennyrealm/internal/errors"
	"github.com/pennyrealm/pennyrealm/internal/platform/id"
	"github.com/pennyrealm/pennyrealm/internal/platform/timeouts"
	"github.com/pennyrealm/pennyrealm/internal/services/player"
	"github.com/pennyrealm/pennyrealm/internal/services/player/storage"
)

// Status is the trade lifecycle state.
type Status string

const (
	StatusProposed    Status = "proposed"
	StatusNegotiating Status = "negotiating"
	StatusConfirmed   Status = "confirmed"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

const (
	// MaxHistory bounds the completed-trade log.
	MaxHistory = 1000
	// DefaultHistoryLimit is the page size when the caller passes none.
	DefaultHistoryLimit = 20
	// timeoutReason marks trades failed by the stale reaper.
	timeoutReason = "Trade timeout"
)

var (
	// ErrPlayerNotFound indicates a party has no player record.
	ErrPlayerNotFound = errors.New(errors.CodeNotFound, "player not found")
	// ErrAlreadyInTrade indicates a party already has an active trade.
	ErrAlreadyInTrade = errors.New(errors.CodeAlreadyInTrade, "player already has an active trade")
	// ErrNotInThisTrade indicates the caller is not a party to the trade.
	ErrNotInThisTrade = errors.New(errors.CodeNotInThisTrade, "player is not a party to this trade")
	// ErrTerminalState indicates the trade already reached a terminal state.
	ErrTerminalState = errors.New(errors.CodeTerminalState, "trade is in a terminal state")
	// ErrTradeNotFound indicates no trade exists for the id.
	ErrTradeNotFound = errors.New(errors.CodeNotFound, "trade not found")
	// ErrSelfTrade indicates a player proposed a trade with themselves.
	ErrSelfTrade = errors.New(errors.CodeValidationFailed, "cannot trade with yourself")
)

// Offer is what one participant commits to give.
type Offer struct {
	Items    []string `json:"items"`
	Currency int64    `json:"currency"`
}

func (o Offer) clone() Offer {
	return Offer{Items: append([]string(nil), o.Items...), Currency: o.Currency}
}

// itemCounts folds the offered item sequence into a multiset.
func (o Offer) itemCounts() map[string]int {
	counts := make(map[string]int, len(o.Items))
	for _, itemID := range o.Items {
		counts[itemID]++
	}
	return counts
}

// Trade is the full record of one exchange between two players.
type Trade struct {
	ID            string     `json:"id"`
	From          string     `json:"from"`
	To            string     `json:"to"`
	FromOffer     Offer      `json:"from_offer"`
	ToOffer       Offer      `json:"to_offer"`
	FromConfirmed bool       `json:"from_confirmed"`
	ToConfirmed   bool       `json:"to_confirmed"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledBy   string     `json:"cancelled_by,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

func (t Trade) clone() Trade {
	copied := t
	copied.FromOffer = t.FromOffer.clone()
	copied.ToOffer = t.ToOffer.clone()
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		copied.CompletedAt = &at
	}
	return copied
}

// Involves reports whether the player is one of the two parties.
func (t Trade) Involves(playerID string) bool {
	return t.From == playerID || t.To == playerID
}

// Event carries the full post-state of a mutated trade for fan-out.
type Event struct {
	Trade Trade
}

// Service owns all active trades and the completed-trade history. Trade
// commits read and write the player store inside the service critical
// section, which serializes exchanges and keeps them all-or-nothing.
type Service struct {
	mu       sync.Mutex
	active   map[string]*Trade
	byPlayer map[string]string
	history  []Trade

	players storage.Store
	clock   func() time.Time
	newID   func() (string, error)

	publisher  func(Event)
	onMutation func()
}

// NewService constructs the trade coordinator against a player store.
func NewService(players storage.Store, clock func() time.Time, newID func() (string, error)) *Service {
	if clock == nil {
		clock = time.Now
	}
	if newID == nil {
		newID = id.NewID
	}
	return &Service{
		active:   make(map[string]*Trade),
		byPlayer: make(map[string]string),
		players:  players,
		clock:    clock,
		newID:    newID,
	}
}

// SetPublisher registers the outbound event fan-out hook. Events fire
// under the service lock so observers see transitions in commit order.
func (s *Service) SetPublisher(publish func(Event)) {
	s.mu.Lock()
	s.publisher = publish
	s.mu.Unlock()
}

// SetMutationHook registers the snapshot dirty-mark callback.
func (s *Service) SetMutationHook(hook func()) {
	s.mu.Lock()
	s.onMutation = hook
	s.mu.Unlock()
}

// Propose opens a trade from one player to another with an initial offer.
func (s *Service) Propose(ctx context.Context, fromID, toID string, offer Offer) (Trade, error) {
	if fromID == toID {
		return Trade{}, ErrSelfTrade
	}

	tradeID, err := s.newID()
	if err != nil {
		return Trade{}, errors.Wrap(errors.CodeInternal, "generate trade id", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.byPlayer[fromID]; busy {
		return Trade{}, ErrAlreadyInTrade
	}
	if _, busy := s.byPlayer[toID]; busy {
		return Trade{}, ErrAlreadyInTrade
	}

	fromRecord, err := s.loadPlayer(ctx, fromID)
	if err != nil {
		return Trade{}, err
	}
	if _, err := s.loadPlayer(ctx, toID); err != nil {
		return Trade{}, err
	}
	if err := validateOffer(fromRecord, offer); err != nil {
		return Trade{}, err
	}

	now := s.clock().UTC()
	trade := &Trade{
		ID:        tradeID,
		From:      fromID,
		To:        toID,
		FromOffer: offer.clone(),
		Status:    StatusProposed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.active[tradeID] = trade
	s.byPlayer[fromID] = tradeID
	s.byPlayer[toID] = tradeID
	s.markAndPublishLocked(trade)
	return trade.clone(), nil
}

// UpdateOffer replaces one side's offer. Both confirmations reset and the
// trade returns to negotiating.
func (s *Service) UpdateOffer(ctx context.Context, playerID, tradeID string, offer Offer) (Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trade, err := s.activeTradeForLocked(playerID, tradeID)
	if err != nil {
		return Trade{}, err
	}

	record, err := s.loadPlayer(ctx, playerID)
	if err != nil {
		return Trade{}, err
	}
	if err := validateOffer(record, offer); err != nil {
		return Trade{}, err
	}

	if trade.From == playerID {
		trade.FromOffer = offer.clone()
	} else {
		trade.ToOffer = offer.clone()
	}
	trade.FromConfirmed = false
	trade.ToConfirmed = false
	trade.Status = StatusNegotiating
	trade.UpdatedAt = s.clock().UTC()
	s.markAndPublishLocked(trade)
	return trade.clone(), nil
}

// Confirm records one side's agreement. When both sides have confirmed the
// exchange executes immediately.
func (s *Service) Confirm(ctx context.Context, playerID, tradeID string) (Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trade, err := s.activeTradeForLocked(playerID, tradeID)
	if err != nil {
		return Trade{}, err
	}

	if trade.From == playerID {
		trade.FromConfirmed = true
	} else {
		trade.ToConfirmed = true
	}
	trade.UpdatedAt = s.clock().UTC()

	if !trade.FromConfirmed || !trade.ToConfirmed {
		trade.Status = StatusConfirmed
		s.markAndPublishLocked(trade)
		return trade.clone(), nil
	}

	s.executeLocked(ctx, trade)
	return trade.clone(), nil
}

// Cancel moves an active trade to cancelled.
func (s *Service) Cancel(playerID, tradeID string) (Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trade, err := s.activeTradeForLocked(playerID, tradeID)
	if err != nil {
		return Trade{}, err
	}

	trade.Status = StatusCancelled
	trade.CancelledBy = playerID
	trade.UpdatedAt = s.clock().UTC()
	s.archiveLocked(trade)
	s.markAndPublishLocked(trade)
	return trade.clone(), nil
}

// ActiveTrade returns the player's current trade, if any.
func (s *Service) ActiveTrade(playerID string) (Trade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tradeID, ok := s.byPlayer[playerID]
	if !ok {
		return Trade{}, false
	}
	return s.active[tradeID].clone(), true
}

// HistoryOf lists the player's terminal trades newest-first.
func (s *Service) HistoryOf(playerID string, limit int) []Trade {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	trades := make([]Trade, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(trades) < limit; i-- {
		if s.history[i].Involves(playerID) {
			trades = append(trades, s.history[i].clone())
		}
	}
	return trades
}

// ReapStale fails every active trade idle past the inactivity timeout.
// It returns how many trades were reaped.
func (s *Service) ReapStale() int {
	now := s.clock().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	stale := make([]*Trade, 0)
	for _, trade := range s.active {
		if now.Sub(trade.UpdatedAt) > timeouts.TradeInactivity {
			stale = append(stale, trade)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })

	for _, trade := range stale {
		trade.Status = StatusFailed
		trade.FailureReason = timeoutReason
		trade.UpdatedAt = now
		s.archiveLocked(trade)
		s.markAndPublishLocked(trade)
	}
	if len(stale) > 0 {
		log.Printf("trade reaper failed %d stale trade(s)", len(stale))
	}
	return len(stale)
}

// RunReaper sweeps stale trades until the context ends. The first sweep
// runs immediately so trades restored from a snapshot expire on schedule.
func (s *Service) RunReaper(ctx context.Context) {
	s.ReapStale()

	ticker := time.NewTicker(timeouts.TradeSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReapStale()
		}
	}
}

// activeTradeForLocked resolves an active trade and checks the caller is a
// party to it.
func (s *Service) activeTradeForLocked(playerID, tradeID string) (*Trade, error) {
	trade, ok := s.active[tradeID]
	if !ok {
		for i := len(s.history) - 1; i >= 0; i-- {
			if s.history[i].ID == tradeID {
				return nil, ErrTerminalState
			}
		}
		return nil, ErrTradeNotFound
	}
	if !trade.Involves(playerID) {
		return nil, ErrNotInThisTrade
	}
	return trade, nil
}

// executeLocked commits a fully confirmed trade: revalidate both offers
// against live player records, then swap items and currency in one store
// write. On any failure the trade fails and no inventory moves.
func (s *Service) executeLocked(ctx context.Context, trade *Trade) {
	fail := func(reason string) {
		trade.Status = StatusFailed
		trade.FailureReason = reason
		trade.UpdatedAt = s.clock().UTC()
		s.archiveLocked(trade)
		s.markAndPublishLocked(trade)
	}

	fromRecord, err := s.players.GetPlayer(ctx, trade.From)
	if err != nil {
		fail(fmt.Sprintf("load player %s: %v", trade.From, err))
		return
	}
	toRecord, err := s.players.GetPlayer(ctx, trade.To)
	if err != nil {
		fail(fmt.Sprintf("load player %s: %v", trade.To, err))
		return
	}

	if err := validateOffer(fromRecord, trade.FromOffer); err != nil {
		fail(err.Error())
		return
	}
	if err := validateOffer(toRecord, trade.ToOffer); err != nil {
		fail(err.Error())
		return
	}

	fromRecord = applyExchange(fromRecord, trade.FromOffer, trade.ToOffer)
	toRecord = applyExchange(toRecord, trade.ToOffer, trade.FromOffer)

	if err := s.players.UpdatePlayers(ctx, []player.Player{fromRecord, toRecord}); err != nil {
		fail(fmt.Sprintf("persist exchange: %v", err))
		return
	}

	now := s.clock().UTC()
	trade.Status = StatusCompleted
	trade.UpdatedAt = now
	trade.CompletedAt = &now
	s.archiveLocked(trade)
	s.markAndPublishLocked(trade)
}

// applyExchange debits what the player gives and credits what they receive.
func applyExchange(record player.Player, gives, receives Offer) player.Player {
	record = record.Clone()
	record.Pennies -= gives.Currency
	record.Pennies += receives.Currency
	for itemID, count := range gives.itemCounts() {
		record.Inventory[itemID] -= count
		if record.Inventory[itemID] <= 0 {
			delete(record.Inventory, itemID)
		}
	}
	for itemID, count := range receives.itemCounts() {
		record.Inventory[itemID] += count
	}
	return record
}

// archiveLocked removes the trade from the active set and appends it to
// the bounded history.
func (s *Service) archiveLocked(trade *Trade) {
	delete(s.active, trade.ID)
	delete(s.byPlayer, trade.From)
	delete(s.byPlayer, trade.To)
	s.history = append(s.history, trade.clone())
	if overflow := len(s.history) - MaxHistory; overflow > 0 {
		s.history = append(s.history[:0:0], s.history[overflow:]...)
	}
}

func (s *Service) markAndPublishLocked(trade *Trade) {
	if s.onMutation != nil {
		s.onMutation()
	}
	if s.publisher != nil {
		s.publisher(Event{Trade: trade.clone()})
	}
}

func (s *Service) loadPlayer(ctx context.Context, playerID string) (player.Player, error) {
	record, err := s.players.GetPlayer(ctx, playerID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return player.Player{}, ErrPlayerNotFound
		}
		return player.Player{}, errors.Wrap(errors.CodeInternal, "load player", err)
	}
	return record, nil
}

// validateOffer checks an offer against a live player record.
func validateOffer(record player.Player, offer Offer) error {
	if offer.Currency < 0 {
		return errors.New(errors.CodeValidationFailed, "offer currency must be non-negative")
	}
	if offer.Currency > record.Pennies {
		return errors.Newf(errors.CodeValidationFailed, "offer of %s exceeds the player's %s",
			player.FormatPennies(offer.Currency), player.FormatPennies(record.Pennies))
	}
	for itemID, count := range offer.itemCounts() {
		if record.ItemCount(itemID) < count {
			return errors.Newf(errors.CodeValidationFailed, "Item %s not in inventory", itemID)
		}
	}
	return nil
}

// State is the marshal-safe trade snapshot.
type State struct {
	Active  []Trade `json:"active"`
	History []Trade `json:"history"`
}

// Snapshot copies the active set and history for persistence.
func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{
		Active:  make([]Trade, 0, len(s.active)),
		History: make([]Trade, 0, len(s.history)),
	}
	for _, trade := range s.active {
		state.Active = append(state.Active, trade.clone())
	}
	sort.Slice(state.Active, func(i, j int) bool {
		return state.Active[i].CreatedAt.Before(state.Active[j].CreatedAt)
	})
	for _, trade := range s.history {
		state.History = append(state.History, trade.clone())
	}
	return state
}

// Restore replaces all trade state from a snapshot and rebuilds the
// player index.
func (s *Service) Restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = make(map[string]*Trade, len(state.Active))
	s.byPlayer = make(map[string]string, 2*len(state.Active))
	for _, saved := range state.Active {
		if saved.Status.Terminal() {
			continue
		}
		trade := saved.clone()
		s.active[trade.ID] = &trade
		s.byPlayer[trade.From] = trade.ID
		s.byPlayer[trade.To] = trade.ID
	}
	s.history = make([]Trade, 0, len(state.History))
	for _, saved := range state.History {
		s.history = append(s.history, saved.clone())
	}
}

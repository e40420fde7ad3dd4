package question

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

var (
	ErrInsufficientQuestions = errors.New("insufficient questions in pool")
	ErrItemNotFound          = errors.New("question item not found")
)

// Item is a graded multiple-choice question as stored in the bank.
type Item struct {
	ID                 string   `json:"id" bson:"_id"`
	Topic              string   `json:"topic" bson:"topic"`
	Difficulty         string   `json:"difficulty" bson:"difficulty"`
	Stem               string   `json:"stem" bson:"stem"`
	Options            []string `json:"options" bson:"options"`
	CorrectOptionIndex int      `json:"correct_option_index" bson:"correct_option_index"`
	Explanation        string   `json:"explanation" bson:"explanation"`
}

// ItemView is the candidate-facing presentation of an Item. It carries no
// answer key and no explanation.
type ItemView struct {
	ID         string   `json:"id"`
	Topic      string   `json:"topic"`
	Difficulty string   `json:"difficulty"`
	Stem       string   `json:"stem"`
	Options    []string `json:"options"`
}

func (it Item) View() ItemView {
	return ItemView{
		ID:         it.ID,
		Topic:      it.Topic,
		Difficulty: it.Difficulty,
		Stem:       it.Stem,
		Options:    append([]string(nil), it.Options...),
	}
}

// Store is the read side of a question bank backend.
type Store interface {
	// PoolIDs returns the ids of active items for a topic and difficulty in a
	// stable order.
	PoolIDs(ctx context.Context, topic, difficulty string) ([]string, error)
	// Items returns the items it could resolve, in no particular order.
	Items(ctx context.Context, ids []string) ([]Item, error)
}

// Bank samples exam question sets from a Store.
type Bank struct {
	store Store

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBank wraps store. A nil rng is replaced by a randomly seeded PCG source.
func NewBank(store Store, rng *rand.Rand) *Bank {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Bank{store: store, rng: rng}
}

// Sample draws Count items uniformly without replacement for every Draw,
// concatenates the draws and shuffles the whole set once more.
func (b *Bank) Sample(ctx context.Context, draws []Draw) ([]ItemView, error) {
	picked := make([]string, 0, totalCount(draws))
	for _, d := range draws {
		if d.Count <= 0 {
			continue
		}
		pool, err := b.store.PoolIDs(ctx, d.Topic, d.Difficulty)
		if err != nil {
			return nil, fmt.Errorf("load pool %s/%s: %w", d.Topic, d.Difficulty, err)
		}
		if len(pool) < d.Count {
			return nil, fmt.Errorf("%w: %s/%s has %d, need %d", ErrInsufficientQuestions, d.Topic, d.Difficulty, len(pool), d.Count)
		}
		picked = append(picked, b.choose(pool, d.Count)...)
	}

	b.mu.Lock()
	b.rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	b.mu.Unlock()

	return b.Items(ctx, picked)
}

// PoolStatus reports how many items back one Draw.
type PoolStatus struct {
	Topic      string `json:"topic"`
	Difficulty string `json:"difficulty"`
	Requested  int    `json:"requested"`
	Available  int    `json:"available"`
	Sufficient bool   `json:"sufficient"`
}

// Readiness checks every Draw against its pool without sampling.
func (b *Bank) Readiness(ctx context.Context, draws []Draw) ([]PoolStatus, error) {
	out := make([]PoolStatus, 0, len(draws))
	for _, d := range draws {
		pool, err := b.store.PoolIDs(ctx, d.Topic, d.Difficulty)
		if err != nil {
			return nil, fmt.Errorf("load pool %s/%s: %w", d.Topic, d.Difficulty, err)
		}
		out = append(out, PoolStatus{
			Topic:      d.Topic,
			Difficulty: d.Difficulty,
			Requested:  d.Count,
			Available:  len(pool),
			Sufficient: len(pool) >= d.Count,
		})
	}
	return out, nil
}

// Items resolves ids to views in the order given.
func (b *Bank) Items(ctx context.Context, ids []string) ([]ItemView, error) {
	byID, err := b.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]ItemView, 0, len(ids))
	for _, id := range ids {
		it, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		out = append(out, it.View())
	}
	return out, nil
}

// AnswerKeys maps question id to correct option index. Ids that no longer
// resolve are absent from the result.
func (b *Bank) AnswerKeys(ctx context.Context, ids []string) (map[string]int, error) {
	byID, err := b.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]int, len(byID))
	for id, it := range byID {
		keys[id] = it.CorrectOptionIndex
	}
	return keys, nil
}

func (b *Bank) load(ctx context.Context, ids []string) (map[string]Item, error) {
	if len(ids) == 0 {
		return map[string]Item{}, nil
	}
	items, err := b.store.Items(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	byID := make(map[string]Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	return byID, nil
}

// choose runs a partial Fisher-Yates over a copy of pool.
func (b *Bank) choose(pool []string, n int) []string {
	ids := append([]string(nil), pool...)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		j := i + b.rng.IntN(len(ids)-i)
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids[:n]
}

func totalCount(draws []Draw) int {
	n := 0
	for _, d := range draws {
		if d.Count > 0 {
			n += d.Count
		}
	}
	return n
}

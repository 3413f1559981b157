package medication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gmsas95/dosewatch/internal/clock"
	apperrors "github.com/gmsas95/dosewatch/internal/errors"
	"github.com/gmsas95/dosewatch/internal/store"
)

// Repository holds one user's medication set and persists it as a single
// blob under medications_<userId> after every mutation.
type Repository struct {
	mu     sync.RWMutex
	kv     store.KV
	userID string
	clock  clock.Clock
	logger *zap.Logger

	meds []Medication
}

// NewRepository creates an empty repository. Call Load to read persisted state.
func NewRepository(kv store.KV, userID string, clk clock.Clock, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Repository{
		kv:     kv,
		userID: userID,
		clock:  clk,
		logger: logger,
	}
}

// Load replaces the in-memory set with the persisted one.
func (r *Repository) Load(ctx context.Context) error {
	blob, ok, err := r.kv.Get(ctx, store.MedicationsKey(r.userID))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeStorage, "load medications")
	}

	var meds []Medication
	if ok && len(blob) > 0 {
		if err := json.Unmarshal(blob, &meds); err != nil {
			return apperrors.Wrap(err, apperrors.CodeStorage, "decode medications")
		}
	}

	r.mu.Lock()
	r.meds = meds
	r.mu.Unlock()

	r.logger.Debug("Loaded medications",
		zap.String("user_id", r.userID),
		zap.Int("count", len(meds)),
	)
	return nil
}

// List returns copies of all medications in creation order.
func (r *Repository) List() []Medication {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Medication, len(r.meds))
	for i, m := range r.meds {
		out[i] = m.Clone()
	}
	return out
}

// Get returns a copy of the medication with the given id.
func (r *Repository) Get(id string) (Medication, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexLocked(id); i >= 0 {
		return r.meds[i].Clone(), true
	}
	return Medication{}, false
}

// Create validates med, assigns an id and persists it as active.
func (r *Repository) Create(ctx context.Context, med Medication) (Medication, error) {
	if err := med.Validate(); err != nil {
		return Medication{}, err
	}

	med = med.Clone()
	med.ID = uuid.New().String()
	med.Active = true
	med.CreatedAt = r.clock.Now().UTC()
	med.UpdatedAt = med.CreatedAt

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.meds
	r.meds = append(append([]Medication{}, prev...), med)
	if err := r.persistLocked(ctx); err != nil {
		r.meds = prev
		return Medication{}, err
	}
	return med.Clone(), nil
}

// Update merges u into the stored medication. It returns the previous and the
// new version so callers can decide whether the schedule changed.
func (r *Repository) Update(ctx context.Context, id string, u Update) (Medication, Medication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return Medication{}, Medication{}, apperrors.NotFound(id)
	}
	before := r.meds[i].Clone()
	after := u.Apply(before)
	if err := after.Validate(); err != nil {
		return Medication{}, Medication{}, err
	}
	after.UpdatedAt = r.clock.Now().UTC()

	prev := r.meds
	r.meds = append([]Medication{}, prev...)
	r.meds[i] = after
	if err := r.persistLocked(ctx); err != nil {
		r.meds = prev
		return Medication{}, Medication{}, err
	}
	return before, after.Clone(), nil
}

// Delete removes the medication and returns it.
func (r *Repository) Delete(ctx context.Context, id string) (Medication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return Medication{}, apperrors.NotFound(id)
	}
	removed := r.meds[i]

	prev := r.meds
	r.meds = append(append([]Medication{}, prev[:i]...), prev[i+1:]...)
	if err := r.persistLocked(ctx); err != nil {
		r.meds = prev
		return Medication{}, err
	}
	return removed, nil
}

func (r *Repository) indexLocked(id string) int {
	for i := range r.meds {
		if r.meds[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Repository) persistLocked(ctx context.Context) error {
	meds := r.meds
	if meds == nil {
		meds = []Medication{}
	}
	blob, err := json.Marshal(meds)
	if err != nil {
		return fmt.Errorf("encode medications: %w", err)
	}
	if err := r.kv.Set(ctx, store.MedicationsKey(r.userID), blob); err != nil {
		r.logger.Error("Failed to persist medications",
			zap.String("user_id", r.userID),
			zap.Error(err),
		)
		return apperrors.Wrap(err, apperrors.CodeStorage, "persist medications")
	}
	return nil
}

// Package drivermap implements Driver Mapping (C9): a durable bidirectional
// table between the ERP's local deliveryman ids and the cloud's remote
// deliveryman ids, plus a name-similarity heuristic that proposes (never
// commits) pairings for an operator to confirm at first-run time.
//
// Grounded on sqlite_manager.py's DeliverymenMapping table and on this
// codebase's models/recorder/record.go GORM-repo idiom.
package drivermap

import (
	"context"
	"strings"

	"velidesync/internal/errkind"
	"velidesync/internal/metrics"
	"velidesync/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the Driver Mapping store (C9).
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&model.DriverMapping{}); err != nil {
		return errkind.New(errkind.Persistence, "drivermap.Migrate", err)
	}
	return nil
}

// Add inserts a (local, remote) pairing. A pairing that already exists for
// either side is left untouched (insert-or-ignore), matching
// sqlite_manager.py's INSERT OR IGNORE statement.
func (s *Store) Add(ctx context.Context, localID, remoteID string) error {
	rec := model.DriverMapping{LocalID: localID, RemoteID: remoteID}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return errkind.New(errkind.Persistence, "drivermap.Add", err)
	}
	s.refreshPairedGauge(ctx)
	return nil
}

// AddMany inserts a batch of pairings atomically, skipping any pairing that
// conflicts with an existing row.
func (s *Store) AddMany(ctx context.Context, pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}
	recs := make([]model.DriverMapping, 0, len(pairs))
	for local, remote := range pairs {
		recs = append(recs, model.DriverMapping{LocalID: local, RemoteID: remote})
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&recs).Error
	if err != nil {
		return errkind.New(errkind.Persistence, "drivermap.AddMany", err)
	}
	s.refreshPairedGauge(ctx)
	return nil
}

// LookupLocal resolves a remote (cloud) deliveryman id to its local ERP id.
func (s *Store) LookupLocal(ctx context.Context, remoteID string) (string, bool, error) {
	var rec model.DriverMapping
	err := s.db.WithContext(ctx).Where("velide_id = ?", remoteID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, errkind.New(errkind.Persistence, "drivermap.LookupLocal", err)
	}
	return rec.LocalID, true, nil
}

// LookupRemote resolves a local ERP deliveryman id to its cloud id.
func (s *Store) LookupRemote(ctx context.Context, localID string) (string, bool, error) {
	var rec model.DriverMapping
	err := s.db.WithContext(ctx).Where("local_id = ?", localID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, errkind.New(errkind.Persistence, "drivermap.LookupRemote", err)
	}
	return rec.RemoteID, true, nil
}

// Delete removes a pairing by its local id.
func (s *Store) Delete(ctx context.Context, localID string) error {
	err := s.db.WithContext(ctx).Where("local_id = ?", localID).Delete(&model.DriverMapping{}).Error
	if err != nil {
		return errkind.New(errkind.Persistence, "drivermap.Delete", err)
	}
	s.refreshPairedGauge(ctx)
	return nil
}

// refreshPairedGauge recomputes the persisted pairing count. Failures are
// logged by the caller's usual error path upstream; a gauge read error here
// is not worth surfacing since it never affects correctness, only the metric.
func (s *Store) refreshPairedGauge(ctx context.Context) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.DriverMapping{}).Count(&count).Error; err != nil {
		return
	}
	metrics.DriverMappingPairedTotal.Set(float64(count))
}

// ListAll returns every persisted pairing.
func (s *Store) ListAll(ctx context.Context) ([]model.DriverMapping, error) {
	var recs []model.DriverMapping
	if err := s.db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, errkind.New(errkind.Persistence, "drivermap.ListAll", err)
	}
	return recs, nil
}

// ProposedPairing is a candidate (local, remote) match the similarity
// heuristic suggests, never auto-committed per SPEC_FULL section 9C.
type ProposedPairing struct {
	Local      model.LocalDriver
	RemoteID   string
	RemoteName string
	Score      float64 // 0..1, higher is more confident
}

// ProposePairings compares every local driver against every remote driver
// name using normalized-token Jaccard similarity and returns, for each local
// driver lacking an existing mapping, its best-scoring remote candidate (if
// any candidate clears minScore). Callers must present these to an operator
// for confirmation; nothing here writes to the store.
func ProposePairings(locals []model.LocalDriver, remoteNames map[string]string, existingLocal map[string]bool, minScore float64) []ProposedPairing {
	var out []ProposedPairing
	for _, l := range locals {
		if existingLocal[l.LocalID] {
			continue
		}
		bestID, bestName, bestScore := "", "", 0.0
		for remoteID, remoteName := range remoteNames {
			score := nameSimilarity(l.Name, remoteName)
			if score > bestScore {
				bestID, bestName, bestScore = remoteID, remoteName, score
			}
		}
		if bestScore >= minScore {
			out = append(out, ProposedPairing{
				Local:      l,
				RemoteID:   bestID,
				RemoteName: bestName,
				Score:      bestScore,
			})
		}
	}
	return out
}

// nameSimilarity is a token-set Jaccard index over lowercased, whitespace-
// split names, deliberately simple: it only proposes, a human confirms.
func nameSimilarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

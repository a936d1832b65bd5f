// Package snapshot checkpoints Redis micro-credit counters into the database
// and restores them after key expiry.
package snapshot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/refly-ai/credit-engine/internal/accumulator"
	"github.com/refly-ai/credit-engine/internal/models"
	internalsettings "github.com/refly-ai/credit-engine/internal/settings"
)

const (
	defaultSyncInterval = 10 * time.Minute
	scanBatchSize       = 200
)

// Synchronizer periodically copies live accumulator counters into
// credit_snapshots rows and rehydrates counters whose Redis keys expired.
type Synchronizer struct {
	db       *gorm.DB
	rdb      redis.UniversalClient
	interval time.Duration
	ttl      time.Duration
}

// NewSynchronizer constructs a snapshot synchronizer.
func NewSynchronizer(db *gorm.DB, rdb redis.UniversalClient) *Synchronizer {
	if db == nil || rdb == nil {
		return nil
	}
	return &Synchronizer{
		db:       db,
		rdb:      rdb,
		interval: defaultSyncInterval,
		ttl:      accumulator.DefaultTTL,
	}
}

// Start launches the checkpoint loop in a background goroutine.
func (s *Synchronizer) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx)
	log.Infof("snapshot synchronizer started (interval=%s)", s.interval)
}

func (s *Synchronizer) run(ctx context.Context) {
	for {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		interval := s.syncOnce(ctx)
		if ctx != nil && ctx.Err() != nil {
			return
		}
		if interval <= 0 {
			interval = s.interval
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// syncOnce runs a checkpoint cycle and returns the interval until the next.
func (s *Synchronizer) syncOnce(ctx context.Context) time.Duration {
	if s == nil {
		return 0
	}
	if ctx == nil {
		ctx = context.Background()
	}

	interval := s.resolveInterval()
	if errCheckpoint := s.Checkpoint(ctx); errCheckpoint != nil {
		log.WithError(errCheckpoint).Warn("snapshot: checkpoint cycle failed")
	}
	return interval
}

// resolveInterval reads the configured interval and TTL, falling back to the
// constructor defaults.
func (s *Synchronizer) resolveInterval() time.Duration {
	intervalSeconds := internalsettings.IntValue(
		internalsettings.SnapshotIntervalSecondsKey,
		int(defaultSyncInterval/time.Second),
	)
	if intervalSeconds <= 0 {
		return s.interval
	}
	ttlSeconds := internalsettings.IntValue(
		internalsettings.AccumulatorTTLSecondsKey,
		internalsettings.DefaultAccumulatorTTLSeconds,
	)
	if ttlSeconds > 0 {
		s.ttl = time.Duration(ttlSeconds) * time.Second
	}
	return time.Duration(intervalSeconds) * time.Second
}

// Checkpoint scans all live counter keys and upserts their remainders into
// credit_snapshots. A failure on one user is logged and does not abort the
// rest of the scan.
func (s *Synchronizer) Checkpoint(ctx context.Context) error {
	if s == nil {
		return errors.New("snapshot: nil synchronizer")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	pattern := accumulator.CounterKeyPrefix() + "*"
	iter := s.rdb.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	synced := 0
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, accumulator.IdempotencyKeyPrefix()) {
			continue
		}
		uid := strings.TrimPrefix(key, accumulator.CounterKeyPrefix())
		if uid == "" {
			continue
		}
		if errSync := s.checkpointOne(ctx, key, uid); errSync != nil {
			log.WithError(errSync).Warnf("snapshot: checkpoint failed (uid=%s)", uid)
			continue
		}
		synced++
	}
	if errIter := iter.Err(); errIter != nil {
		return errIter
	}
	log.Debugf("snapshot: checkpoint cycle complete (synced=%d)", synced)
	return nil
}

func (s *Synchronizer) checkpointOne(ctx context.Context, key, uid string) error {
	raw, errGet := s.rdb.Get(ctx, key).Result()
	if errGet != nil {
		if errors.Is(errGet, redis.Nil) {
			return nil
		}
		return errGet
	}
	remainder, errParse := strconv.ParseInt(raw, 10, 64)
	if errParse != nil {
		return errParse
	}
	if remainder < 0 {
		remainder = 0
	}

	row := models.CreditSnapshot{
		UID:                   uid,
		RemainderMicroCredits: uint64(remainder),
		LastSyncedAt:          time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uid"}},
			DoUpdates: clause.AssignmentColumns([]string{"remainder_micro_credits", "last_synced_at"}),
		}).
		Create(&row).Error
}

// Rehydrate restores a user's counter from the last snapshot. Missing rows and
// zero remainders are not an error. SetNX keeps a concurrent write from being
// clobbered when the counter reappeared between the existence check and here.
func (s *Synchronizer) Rehydrate(ctx context.Context, uid string) error {
	if s == nil {
		return errors.New("snapshot: nil synchronizer")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if uid == "" {
		return errors.New("snapshot: empty uid")
	}

	var row models.CreditSnapshot
	if errFind := s.db.WithContext(ctx).
		Where("uid = ?", uid).
		First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil
		}
		return errFind
	}
	if row.RemainderMicroCredits == 0 {
		return nil
	}

	ok, errSet := s.rdb.SetNX(ctx, accumulator.CounterKey(uid), row.RemainderMicroCredits, s.ttl).Result()
	if errSet != nil {
		return errSet
	}
	if ok {
		log.Infof("snapshot: rehydrated counter (uid=%s remainder=%d)", uid, row.RemainderMicroCredits)
	}
	return nil
}

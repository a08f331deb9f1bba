/*
rulestore.go - Cache-first rule loading

PURPOSE:
  Rules(companyID) answers from the RuleCache when the entry is live and
  otherwise reads the RuleSource, repopulating the cache.

FAILURE MODES:
  - Source read fails:  *DataAccessError, no stale fallback
  - Cache Get fails:    logged, read the source directly
  - Cache Set fails:    logged, the freshly read rules are still returned
  - Caller ctx ends:    ctx.Err() for that caller; the shared read goes on

COALESCING:
  Concurrent misses for the same company share one source read
  (singleflight), so a cold cache under load costs one query per tenant.
  The shared read is detached from any single caller's context and bounded
  by SharedLoadTimeout instead; each caller still stops waiting when its
  own context ends.
*/
package latefee

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// SharedLoadTimeout bounds a coalesced source read.
const SharedLoadTimeout = 30 * time.Second

type RuleStore struct {
	source   RuleSource
	cache    RuleCache
	logger   *slog.Logger
	recorder Recorder
	group    singleflight.Group
}

// NewRuleStore wires a source and cache. A nil cache disables caching.
func NewRuleStore(source RuleSource, cache RuleCache, logger *slog.Logger, recorder Recorder) *RuleStore {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &RuleStore{source: source, cache: cache, logger: logger, recorder: recorder}
}

// Rules returns the company's enabled rules, newest first.
func (s *RuleStore) Rules(ctx context.Context, companyID string) ([]LateFeeRule, error) {
	if s.cache != nil {
		rules, ok, err := s.cache.Get(ctx, companyID)
		switch {
		case err != nil:
			s.logger.Warn("rule cache read failed, reading source directly",
				"company_id", companyID, "error", err)
			return s.load(ctx, companyID)
		case ok:
			s.recorder.RuleCacheLookup(true)
			return rules, nil
		}
		s.recorder.RuleCacheLookup(false)
	}

	ch := s.group.DoChan(companyID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SharedLoadTimeout)
		defer cancel()

		rules, err := s.load(loadCtx, companyID)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if err := s.cache.Set(loadCtx, companyID, rules); err != nil {
				s.logger.Warn("rule cache write failed", "company_id", companyID, "error", err)
			}
		}
		return rules, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneRules(res.Val.([]LateFeeRule)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *RuleStore) load(ctx context.Context, companyID string) ([]LateFeeRule, error) {
	rules, err := s.source.GetRules(ctx, companyID)
	if err != nil {
		return nil, &DataAccessError{Op: "get rules", Err: err}
	}

	enabled := rules[:0:0]
	for _, r := range rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled, nil
}

// ClearCache evicts one company, or every company when none is given.
func (s *RuleStore) ClearCache(ctx context.Context, companyIDs ...string) error {
	if s.cache == nil {
		return nil
	}
	if len(companyIDs) == 0 {
		return s.cache.EvictAll(ctx)
	}
	for _, id := range companyIDs {
		if err := s.cache.Evict(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/kazi/internal/action"
	"github.com/jkaninda/kazi/internal/snapshot"
)

// ScanResult summarizes one manual table scan.
type ScanResult struct {
	TableID     string `json:"table_id"`
	Records     int    `json:"records"`
	Initialized int    `json:"initialized"`
	Changed     int    `json:"changed"`
	RulesFired  int    `json:"rules_fired"`
}

// Scan walks every record of a table, diffing each against its stored
// snapshot and running matched rules, the same path an inbound event takes
// minus the webhook dedupe. With reset set, it instead rebaselines the
// whole table in one bulk write and fires nothing.
func (s *Service) Scan(ctx context.Context, appToken, tableID string, reset bool) (*ScanResult, error) {
	if appToken == "" || tableID == "" {
		return nil, valErr("scan requires app_token and table_id")
	}

	records, err := s.records.ListRecords(ctx, appToken, tableID)
	if err != nil {
		return nil, fmt.Errorf("listing records for table %s: %w", tableID, err)
	}
	res := &ScanResult{TableID: tableID, Records: len(records)}

	if reset {
		n, err := s.snapshots.InitFullSnapshot(ctx, tableID, records)
		if err != nil {
			return nil, fmt.Errorf("rebaselining table %s: %w", tableID, err)
		}
		res.Initialized = n
		s.logger.InfoContext(ctx, "table rebaselined",
			slog.String("table_id", tableID),
			slog.Int("records", n),
		)
		return res, nil
	}

	scanID := fmt.Sprintf("scan:%s:%d", tableID, time.Now().UTC().UnixNano())
	for i := range records {
		rec := &records[i]
		old, err := s.snapshots.Load(ctx, tableID, rec.RecordID)
		if err != nil {
			return nil, fmt.Errorf("loading snapshot %s/%s: %w", tableID, rec.RecordID, err)
		}
		if err := s.snapshots.Save(ctx, tableID, rec.RecordID, rec.Fields); err != nil {
			return nil, fmt.Errorf("saving snapshot %s/%s: %w", tableID, rec.RecordID, err)
		}

		if old == nil {
			res.Initialized++
			if !s.cfg.TriggerOnFirstSight {
				continue
			}
			old = map[string]any{}
		}
		diff := snapshot.Compute(old, rec.Fields)
		if diff.HasChanges {
			res.Changed++
		}
		ev := &ChangeEvent{AppToken: appToken, TableID: tableID, RecordID: rec.RecordID}
		fired, err := s.runRules(ctx, scanID, ev, old, rec.Fields, diff)
		if err != nil {
			return nil, err
		}
		res.RulesFired += len(fired)
		for _, rr := range fired {
			if rr.Status == action.StatusFailed {
				s.logger.WarnContext(ctx, "scan rule execution failed",
					slog.String("table_id", tableID),
					slog.String("record_id", rec.RecordID),
					slog.String("rule_id", rr.RuleID),
					slog.String("error", rr.Error),
				)
			}
		}
	}

	s.logger.InfoContext(ctx, "table scan finished",
		slog.String("table_id", tableID),
		slog.Int("records", res.Records),
		slog.Int("initialized", res.Initialized),
		slog.Int("changed", res.Changed),
		slog.Int("rules_fired", res.RulesFired),
	)
	return res, nil
}

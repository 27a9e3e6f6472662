package ledger

import (
	"context"
	"log/slog"

	"github.com/degentalk/dgt-wallet/internal/metrics"
)

// Divergence reports an account whose materialized balance disagreed with its entries.
type Divergence struct {
	UserID       string `json:"userId"`
	Materialized int64  `json:"materialized"`
	Replayed     int64  `json:"replayed"`
	Repaired     bool   `json:"repaired"`
}

// Report summarizes one reconciliation pass.
type Report struct {
	Checked     int          `json:"checked"`
	Divergences []Divergence `json:"divergences"`
}

const reconcileBatch = 200

// Reconciler compares each materialized balance with the replay of its entries.
type Reconciler struct {
	core   *Core
	logger *slog.Logger
	repair bool
}

// NewReconciler builds a reconciler. With repair set, divergent counters are
// overwritten with the replayed value under the account lock.
func NewReconciler(core *Core, logger *slog.Logger, repair bool) *Reconciler {
	return &Reconciler{core: core, logger: logger, repair: repair}
}

// Run checks every account once.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var (
		report Report
		after  string
	)
	for {
		ids, err := r.core.repo.AccountIDs(ctx, after, reconcileBatch)
		if err != nil {
			return report, err
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			d, diverged, err := r.check(ctx, id)
			if err != nil {
				return report, err
			}
			report.Checked++
			if diverged {
				report.Divergences = append(report.Divergences, d)
			}
		}
		after = ids[len(ids)-1]
	}

	if r.logger != nil {
		r.logger.Info("ledger reconciliation finished",
			slog.Int("checked", report.Checked),
			slog.Int("divergences", len(report.Divergences)))
	}
	return report, nil
}

func (r *Reconciler) check(ctx context.Context, userID string) (Divergence, bool, error) {
	var (
		d        Divergence
		diverged bool
	)
	err := r.core.tx.InTx(ctx, func(ctx context.Context) error {
		acct, err := r.core.repo.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		sum, err := r.core.repo.SumEntries(ctx, userID)
		if err != nil {
			return err
		}
		if sum == acct.Balance {
			return nil
		}

		diverged = true
		// A negative replay means the entry log itself is corrupt and
		// cannot be used as the repair source.
		repair := r.repair && sum >= 0
		d = Divergence{UserID: userID, Materialized: acct.Balance, Replayed: sum, Repaired: repair}
		metrics.RecordDivergence()
		if r.logger != nil {
			r.logger.Error("ledger balance divergence",
				slog.String("alert", "critical"),
				slog.String("user_id", userID),
				slog.Int64("materialized", acct.Balance),
				slog.Int64("replayed", sum),
				slog.Bool("repaired", repair))
		}
		if !repair {
			return nil
		}
		return r.core.repo.SetBalance(ctx, userID, sum, r.core.now())
	})
	return d, diverged, err
}

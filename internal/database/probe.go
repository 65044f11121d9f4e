// Package database verifies the remote backend exposes the contract this
// client depends on. The schema and stored procedures are owned server-side;
// the probe fails fast at startup instead of at first use.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// requiredTables are the relations the snapshot query reads.
var requiredTables = []string{
	"users",
	"referrals",
}

// requiredProcedures are the stored procedures the gateway invokes with a
// single jsonb argument.
var requiredProcedures = []string{
	"claim_yield",
	"request_mxi_withdrawal",
	"check_mxi_withdrawal_eligibility",
	"process_referral_commissions",
	"unify_commission_to_mxi",
	"get_phase_info",
	"link_referral",
	"update_profile_field",
}

// Probe checks the backend schema against the client's expectations.
type Probe struct {
	db  *sql.DB
	log *slog.Logger
}

// NewProbe constructs a Probe that logs through the provided logger.
func NewProbe(db *sql.DB, log *slog.Logger) *Probe {
	if log == nil {
		log = slog.Default()
	}

	return &Probe{
		db:  db,
		log: log,
	}
}

// Verify confirms every required table and procedure exists. It returns one
// error naming everything missing so a misconfigured environment is obvious
// from a single log line.
func (p *Probe) Verify(ctx context.Context) error {
	var missing []string

	for _, table := range requiredTables {
		exists, err := p.tableExists(ctx, table)
		if err != nil {
			return fmt.Errorf("probe table %q: %w", table, err)
		}
		if !exists {
			missing = append(missing, "table "+table)
		}
	}

	for _, procedure := range requiredProcedures {
		exists, err := p.procedureExists(ctx, procedure)
		if err != nil {
			return fmt.Errorf("probe procedure %q: %w", procedure, err)
		}
		if !exists {
			missing = append(missing, "procedure "+procedure)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("backend contract incomplete, missing: %s", strings.Join(missing, ", "))
	}

	p.log.Info("backend contract verified",
		slog.Int("tables", len(requiredTables)),
		slog.Int("procedures", len(requiredProcedures)),
	)

	return nil
}

func (p *Probe) tableExists(ctx context.Context, name string) (bool, error) {
	const query = `SELECT to_regclass($1) IS NOT NULL`

	var exists bool
	if err := p.db.QueryRowContext(ctx, query, name).Scan(&exists); err != nil {
		return false, err
	}

	return exists, nil
}

func (p *Probe) procedureExists(ctx context.Context, name string) (bool, error) {
	const query = `SELECT to_regprocedure($1) IS NOT NULL`

	signature := fmt.Sprintf("%s(jsonb)", name)

	var exists bool
	if err := p.db.QueryRowContext(ctx, query, signature).Scan(&exists); err != nil {
		return false, err
	}

	return exists, nil
}

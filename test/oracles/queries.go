package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run periodically during the stress test.
// Each query returns zero rows when the invariant holds; any row is a
// counterexample.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_at_most_one_decision",
			SQL: `SELECT dispute_id, COUNT(*) FROM dispute_audit
                  WHERE action_type = 'dispute_decision_executed'
                  GROUP BY dispute_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_lock_implies_decided",
			SQL: `SELECT id, status FROM disputes
                  WHERE locked_decision_at IS NOT NULL
                    AND status NOT IN ('decided', 'closed')`,
		},
		{
			Name: "O3_version_steps_by_one",
			SQL: `SELECT id, dispute_id, version_before, version_after FROM dispute_audit
                  WHERE version_before IS NOT NULL
                    AND version_after IS NOT NULL
                    AND version_after <> version_before + 1`,
		},
		{
			Name: "O4_version_monotonic",
			SQL: `WITH steps AS (
                      SELECT dispute_id, version_after,
                             LAG(version_after) OVER (PARTITION BY dispute_id ORDER BY id) AS prev
                      FROM dispute_audit
                      WHERE version_after IS NOT NULL)
                  SELECT * FROM steps WHERE prev IS NOT NULL AND version_after <= prev`,
		},
		{
			Name: "O5_no_negative_balances",
			SQL:  `SELECT user_id, amount FROM balances WHERE amount < 0`,
		},
		{
			Name: "O6_money_conservation",
			SQL: `SELECT funded, held, total FROM (
                      SELECT (SELECT COALESCE(SUM(amount), 0) FROM funding_log) AS funded,
                             (SELECT COALESCE(SUM(amount), 0) FROM escrow_freezes) AS held,
                             (SELECT COALESCE(SUM(amount), 0) FROM balances) AS total
                  ) t
                  WHERE t.total + t.held > t.funded`,
		},
		{
			Name: "O7_payouts_sum_to_escrow",
			SQL: `SELECT d.id FROM disputes d
                  JOIN contracts c ON c.id = d.contract_id
                  WHERE d.decision->>'kind' IN ('release_to_executor', 'refund_to_customer', 'partial_refund')
                    AND ROUND((d.decision->>'executor_amount')::numeric
                            + (d.decision->>'customer_amount')::numeric, 2)
                        <> ROUND(c.escrow_amount, 2)`,
		},
		{
			Name: "O8_settled_freeze_claimed",
			SQL: `SELECT d.id FROM disputes d
                  JOIN contracts c ON c.id = d.contract_id
                  WHERE d.decision->>'kind' IN ('release_to_executor', 'refund_to_customer', 'partial_refund')
                    AND EXISTS (SELECT 1 FROM escrow_freezes f
                                WHERE f.task_id = c.task_id AND f.executor_id = c.executor_id)`,
		},
		{
			Name: "O9_fund_decision_resolves_contract",
			SQL: `SELECT d.id, c.status FROM disputes d
                  JOIN contracts c ON c.id = d.contract_id
                  WHERE d.decision->>'kind' IN ('release_to_executor', 'refund_to_customer', 'partial_refund')
                    AND c.status <> 'resolved'`,
		},
		{
			// in_review is excluded: between the settlement commit and the
			// decision lock the freeze is already claimed.
			Name: "O10_pending_dispute_has_freeze",
			SQL: `SELECT d.id, d.status FROM disputes d
                  JOIN contracts c ON c.id = d.contract_id
                  WHERE d.status IN ('open', 'need_more_info')
                    AND NOT EXISTS (SELECT 1 FROM escrow_freezes f
                                    WHERE f.task_id = c.task_id AND f.executor_id = c.executor_id)`,
		},
		{
			Name: "O11_one_dispute_per_contract",
			SQL: `SELECT contract_id, COUNT(*) FROM disputes
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}

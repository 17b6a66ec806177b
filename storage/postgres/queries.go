package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Schema is the DDL the storage expects. Applying it is left to the deployment's migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	user_id         TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL UNIQUE,
	plan            TEXT NOT NULL,
	cancelled       BOOLEAN NOT NULL DEFAULT FALSE,
	next_bill_date  DATE NOT NULL,
	event_time      TIMESTAMPTZ NOT NULL,
	cancel_url      TEXT NOT NULL,
	update_url      TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_idx ON users (lower(email));
`

const subscriptionColumns = "user_id, subscription_id, plan, cancelled, next_bill_date, event_time, cancel_url, update_url"

type queries struct {
	selectByUser                string
	selectByExternalID          string
	selectByUserForUpdate       string
	selectByExternalIDForUpdate string
	lockUser                    string
	upsert                      string
	selectUserByEmail           string
}

func buildQueries(config Config) queries {
	subs := pgx.Identifier{config.SubscriptionsTable}.Sanitize()
	users := pgx.Identifier{config.UsersTable}.Sanitize()

	selectSubs := fmt.Sprintf("SELECT %s FROM %s", subscriptionColumns, subs)

	return queries{
		selectByUser:                selectSubs + " WHERE user_id = $1",
		selectByExternalID:          selectSubs + " WHERE subscription_id = $1",
		selectByUserForUpdate:       selectSubs + " WHERE user_id = $1 FOR UPDATE",
		selectByExternalIDForUpdate: selectSubs + " WHERE subscription_id = $1 FOR UPDATE",
		lockUser:                    "SELECT pg_advisory_xact_lock(hashtext($1))",
		upsert: fmt.Sprintf(`INSERT INTO %s (%s)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id) DO UPDATE SET
				subscription_id = EXCLUDED.subscription_id,
				plan = EXCLUDED.plan,
				cancelled = EXCLUDED.cancelled,
				next_bill_date = EXCLUDED.next_bill_date,
				event_time = EXCLUDED.event_time,
				cancel_url = EXCLUDED.cancel_url,
				update_url = EXCLUDED.update_url`, subs, subscriptionColumns),
		selectUserByEmail: fmt.Sprintf("SELECT id, email FROM %s WHERE lower(email) = lower($1)", users),
	}
}

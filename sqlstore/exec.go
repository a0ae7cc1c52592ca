package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/velmie/tablequeue"
	"github.com/velmie/tablequeue/sqlexec"
)

// runPlan prepares plan on p, runs it once and closes the statement.
func runPlan(ctx context.Context, plan *sqlexec.Plan, p sqlexec.Preparer, params []sqlexec.Param, opts ...sqlexec.Option) (sqlexec.Result, error) {
	ec, err := plan.Open(ctx, p, opts...)
	if err != nil {
		return sqlexec.Result{}, err
	}
	res, err := ec.Run(ctx, params...)

	return res, errors.Join(err, ec.Close())
}

// finishTx commits when err is nil and rolls back otherwise.
func finishTx(tx *sql.Tx, err error) error {
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, tablequeue.NewStorageError("rollback", "", rbErr))
		}

		return err
	}
	if err := tx.Commit(); err != nil {
		return tablequeue.NewStorageError("commit", "", err)
	}

	return nil
}

func releaseWith(conn *tablequeue.Conn, err error) error {
	if relErr := conn.Release(); relErr != nil {
		return errors.Join(err, tablequeue.NewStorageError("release connection", "", relErr))
	}

	return err
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

func asBytes(v any) []byte {
	switch val := v.(type) {
	case []byte:
		return val
	case string:
		return []byte(val)
	default:
		return nil
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}

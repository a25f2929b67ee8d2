package store

import (
	"database/sql"
	"time"

	"github.com/ChuLiYu/pbem-host/pkg/fx"
)

type scanner interface {
	Scan(dest ...any) error
}

func collect[T any](rows *sql.Rows, err error, scan func(scanner) (T, error)) ([]T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullInt(o fx.Option[int]) any {
	if v, ok := o.Get(); ok {
		return v
	}
	return nil
}

func optInt(n sql.NullInt64) fx.Option[int] {
	if !n.Valid {
		return fx.None[int]()
	}
	return fx.Some(int(n.Int64))
}

func optTime(n sql.NullInt64) fx.Option[time.Time] {
	if !n.Valid {
		return fx.None[time.Time]()
	}
	return fx.Some(fromMillis(n.Int64))
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

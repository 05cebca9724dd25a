package store

import "github.com/jmoiron/sqlx"

// inQuery expands a `? IN (?)`-style query's slice argument into the right
// number of placeholders and rebinds it for the sqlite driver.
func inQuery(query string, inArgs []string, extra ...any) (string, []any, error) {
	args := make([]any, 0, len(extra)+1)
	args = append(args, inArgs)
	args = append(args, extra...)

	expanded, flatArgs, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return sqlx.Rebind(sqlx.QUESTION, expanded), flatArgs, nil
}

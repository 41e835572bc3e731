package dialect

import "fmt"

// JSONExtract returns the expression reading a top-level JSON key out of a
// text column: json_extract on SQLite, a jsonb cast on Postgres.
func JSONExtract(driver, col, path string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb->>'%s'", col, path)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, path)
}

// Like returns the case-insensitive pattern operator. SQLite LIKE is already
// case-insensitive for ASCII; Postgres needs ILIKE.
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

// DurationMs returns the expression for end minus start in milliseconds.
// SQLite stores timestamps as text, so the difference goes through julianday.
func DurationMs(driver, end, start string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("EXTRACT(EPOCH FROM (%s - %s)) * 1000", end, start)
	}
	return fmt.Sprintf("(julianday(%s) - julianday(%s)) * 86400000", end, start)
}

// DateOf returns the expression truncating a timestamp to its date.
func DateOf(driver, expr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("(%s)::date", expr)
	}
	return fmt.Sprintf("date(%s)", expr)
}

// DateNowMinusDays returns the expression for the current date shifted back
// by a bound number of days; daysExpr is the parameter placeholder.
func DateNowMinusDays(driver, daysExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("CURRENT_DATE - (%s || ' days')::interval", daysExpr)
	}
	return fmt.Sprintf("date('now', '-' || %s || ' days')", daysExpr)
}

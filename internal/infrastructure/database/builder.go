package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// defaultPageSize is used by Paginate when the caller passes a non-positive size.
const defaultPageSize = 20

// literalTimeLayout is how time.Time values are rendered by Escape.
// It matches SQLite's datetime('now','localtime') output.
const literalTimeLayout = "2006-01-02 15:04:05"

// identifierPattern restricts table and column names interpolated into statements.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Fields maps column names to values. Iteration order is by sorted column
// name so generated statement text is stable.
type Fields map[string]any

// keys returns the column names in sorted order.
func (f Fields) keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// QueryOptions controls Select and Paginate.
type QueryOptions struct {
	// Columns to return. Empty selects *.
	Columns []string

	// Where is ANDed together via BuildWhere. Empty matches all rows.
	Where Fields

	// OrderBy is appended verbatim after ORDER BY (e.g. "created_at DESC").
	// Callers must not pass user input here.
	OrderBy string

	// Limit and Offset are applied when Limit > 0.
	Limit  int
	Offset int
}

// Pagination describes where a Page sits in the full result set.
type Pagination struct {
	Total       int `json:"total"`
	CurrentPage int `json:"currentPage"`
	PageSize    int `json:"pageSize"`
	TotalPages  int `json:"totalPages"`
}

// Page is one slice of a paginated query.
type Page struct {
	Rows       []Row      `json:"list"`
	Pagination Pagination `json:"pagination"`
}

// Escape renders v as an SQL literal.
//
// The mapping is fixed because stored rows were written with it:
//   - nil (or a nil pointer) -> NULL
//   - bool -> 1 / 0
//   - integers and floats -> shortest decimal text (NaN and ±Inf -> NULL)
//   - strings -> single-quoted, embedded quotes doubled
//
// time.Time is rendered with literalTimeLayout and quoted. driver.Valuer
// values are resolved first. Anything else is quoted via fmt.Sprint.
func Escape(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if val {
			return "1"
		}
		return "0"
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int8:
		return strconv.FormatInt(int64(val), 10)
	case int16:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint8:
		return strconv.FormatUint(uint64(val), 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return formatFloat(float64(val), 32)
	case float64:
		return formatFloat(val, 64)
	case string:
		return quote(val)
	case []byte:
		return quote(string(val))
	case time.Time:
		return quote(val.Format(literalTimeLayout))
	case driver.Valuer:
		if isNilPointer(v) {
			return "NULL"
		}
		resolved, err := val.Value()
		if err != nil {
			return "NULL"
		}
		return Escape(resolved)
	}

	// Named types (type Code string, type Cents int64, ...) and pointers.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return "NULL"
		}
		return Escape(rv.Elem().Interface())
	case reflect.Bool:
		return Escape(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Escape(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Escape(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return Escape(rv.Float())
	case reflect.String:
		return quote(rv.String())
	}
	return quote(fmt.Sprint(v))
}

// LikePattern renders a '%keyword%' literal quoted the same way as Escape.
// Use it for keyword search instead of concatenating quotes by hand.
func LikePattern(keyword string) string {
	return quote("%" + keyword + "%")
}

// BuildWhere renders conditions as "WHERE a = x AND b IS NULL".
// An empty condition set yields "", which matches every row.
func BuildWhere(conditions Fields) string {
	if len(conditions) == 0 {
		return ""
	}

	parts := make([]string, 0, len(conditions))
	for _, col := range conditions.keys() {
		if isNull(conditions[col]) {
			parts = append(parts, col+" IS NULL")
			continue
		}
		parts = append(parts, col+" = "+Escape(conditions[col]))
	}
	return "WHERE " + strings.Join(parts, " AND ")
}

// InsertStatement builds an INSERT for data.
func InsertStatement(table string, data Fields) (string, error) {
	return insertStatement("INSERT INTO", table, data)
}

// InsertOrReplaceStatement builds an INSERT OR REPLACE for data.
func InsertOrReplaceStatement(table string, data Fields) (string, error) {
	return insertStatement("INSERT OR REPLACE INTO", table, data)
}

func insertStatement(verb, table string, data Fields) (string, error) {
	if err := checkIdentifiers(table); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmptyData
	}

	cols := data.keys()
	if err := checkIdentifiers(cols...); err != nil {
		return "", err
	}
	values := make([]string, len(cols))
	for i, col := range cols {
		values[i] = Escape(data[col])
	}
	return fmt.Sprintf("%s %s (%s) VALUES (%s)",
		verb, table, strings.Join(cols, ", "), strings.Join(values, ", ")), nil
}

// UpdateStatement builds an UPDATE setting data on rows matching conditions.
// Empty conditions update every row.
func UpdateStatement(table string, data, conditions Fields) (string, error) {
	if err := checkIdentifiers(table); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmptyData
	}
	if err := checkIdentifiers(conditions.keys()...); err != nil {
		return "", err
	}

	cols := data.keys()
	if err := checkIdentifiers(cols...); err != nil {
		return "", err
	}
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = col + " = " + Escape(data[col])
	}
	return strings.TrimSpace(fmt.Sprintf("UPDATE %s SET %s %s",
		table, strings.Join(sets, ", "), BuildWhere(conditions))), nil
}

// DeleteStatement builds a DELETE for rows matching conditions.
// Empty conditions delete every row.
func DeleteStatement(table string, conditions Fields) (string, error) {
	if err := checkIdentifiers(table); err != nil {
		return "", err
	}
	if err := checkIdentifiers(conditions.keys()...); err != nil {
		return "", err
	}
	return strings.TrimSpace(fmt.Sprintf("DELETE FROM %s %s", table, BuildWhere(conditions))), nil
}

// SelectStatement builds a SELECT from opts.
func SelectStatement(table string, opts QueryOptions) (string, error) {
	if err := checkIdentifiers(table); err != nil {
		return "", err
	}
	if err := checkIdentifiers(opts.Where.keys()...); err != nil {
		return "", err
	}

	columns := "*"
	if len(opts.Columns) > 0 {
		if err := checkIdentifiers(opts.Columns...); err != nil {
			return "", err
		}
		columns = strings.Join(opts.Columns, ", ")
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(columns)
	b.WriteString(" FROM ")
	b.WriteString(table)
	if where := BuildWhere(opts.Where); where != "" {
		b.WriteString(" ")
		b.WriteString(where)
	}
	if opts.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(opts.OrderBy)
	}
	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", opts.Offset)
		}
	}
	return b.String(), nil
}

// Insert adds one row to table.
func Insert(ctx context.Context, ex Execer, table string, data Fields) (sql.Result, error) {
	stmt, err := InsertStatement(table, data)
	if err != nil {
		return nil, err
	}
	return ex.Execute(ctx, stmt)
}

// InsertOrReplace adds or replaces one row keyed by its primary or unique key.
func InsertOrReplace(ctx context.Context, ex Execer, table string, data Fields) (sql.Result, error) {
	stmt, err := InsertOrReplaceStatement(table, data)
	if err != nil {
		return nil, err
	}
	return ex.Execute(ctx, stmt)
}

// Update sets data on rows matching conditions.
func Update(ctx context.Context, ex Execer, table string, data, conditions Fields) (sql.Result, error) {
	stmt, err := UpdateStatement(table, data, conditions)
	if err != nil {
		return nil, err
	}
	return ex.Execute(ctx, stmt)
}

// Delete removes rows matching conditions. Empty conditions delete all rows.
func Delete(ctx context.Context, ex Execer, table string, conditions Fields) (sql.Result, error) {
	stmt, err := DeleteStatement(table, conditions)
	if err != nil {
		return nil, err
	}
	return ex.Execute(ctx, stmt)
}

// Select returns rows from table according to opts.
func Select(ctx context.Context, ex Execer, table string, opts QueryOptions) ([]Row, error) {
	stmt, err := SelectStatement(table, opts)
	if err != nil {
		return nil, err
	}
	return ex.Query(ctx, stmt)
}

// Paginate counts rows matching opts.Where and returns one page of them.
// page is 1-based; values below 1 are treated as 1.
func Paginate(ctx context.Context, ex Execer, table string, page, pageSize int, opts QueryOptions) (*Page, error) {
	if err := checkIdentifiers(table); err != nil {
		return nil, err
	}
	if err := checkIdentifiers(opts.Where.keys()...); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	page = max(1, page)

	countStmt := strings.TrimSpace(fmt.Sprintf("SELECT COUNT(*) AS total FROM %s %s", table, BuildWhere(opts.Where)))
	countRows, err := ex.Query(ctx, countStmt)
	if err != nil {
		return nil, err
	}
	var total int
	if len(countRows) > 0 {
		total = int(AsInt64(countRows[0]["total"]))
	}

	opts.Limit = pageSize
	opts.Offset = (page - 1) * pageSize
	rows, err := Select(ctx, ex, table, opts)
	if err != nil {
		return nil, err
	}

	return &Page{
		Rows: rows,
		Pagination: Pagination{
			Total:       total,
			CurrentPage: page,
			PageSize:    pageSize,
			TotalPages:  int(math.Ceil(float64(total) / float64(pageSize))),
		},
	}, nil
}

// checkIdentifiers validates names that are interpolated unescaped.
func checkIdentifiers(names ...string) error {
	for _, name := range names {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
		}
	}
	return nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// formatFloat renders NaN and ±Inf as NULL; SQLite has no literal for them.
func formatFloat(f float64, bitSize int) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "NULL"
	}
	return strconv.FormatFloat(f, 'f', -1, bitSize)
}

func isNull(v any) bool {
	return v == nil || isNilPointer(v)
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// AsInt64 converts a Row value produced by SQLite into an int64.
// Unknown or NULL values yield 0.
func AsInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		n, _ := strconv.ParseInt(val, 10, 64) //nolint:errcheck // Zero on malformed input
		return n
	default:
		return 0
	}
}

// AsString converts a Row value into a string. NULL yields "".
func AsString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

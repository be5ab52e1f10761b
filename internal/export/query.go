package export

import (
	"fmt"
	"strings"
)

// buildWhere composes the filter predicates into a WHERE clause with $n
// placeholders. Absent predicates contribute no clause; predicates are
// AND-combined. User input only ever travels through the args slice.
func buildWhere(f Filters) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.CountryCode != "" {
		conditions = append(conditions, "country_code = "+arg(f.CountryCode))
	}
	if f.SubscriptionTier != "" {
		conditions = append(conditions, "subscription_tier = "+arg(f.SubscriptionTier))
	}
	if f.MinLTV != nil {
		conditions = append(conditions, "lifetime_value >= "+arg(*f.MinLTV))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// buildCountQuery returns the filtered COUNT(*) statement used to resolve
// totalRows before streaming begins.
func buildCountQuery(f Filters) (string, []interface{}) {
	where, args := buildWhere(f)
	return "SELECT COUNT(*) FROM users" + where, args
}

// buildSelectQuery returns the projection statement the cursor is declared
// over. Column names come from the fixed allow-list, never from raw input.
func buildSelectQuery(f Filters, columns []string) (string, []interface{}) {
	where, args := buildWhere(f)
	return "SELECT " + strings.Join(columns, ", ") + " FROM users" + where, args
}

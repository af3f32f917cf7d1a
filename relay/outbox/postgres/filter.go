package postgres

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/LerianStudio/workflow-relay/relay/outbox"
)

type whereBuilder struct {
	conditions []string
	args       []any
}

func (builder *whereBuilder) arg(value any) string {
	builder.args = append(builder.args, value)

	return "$" + strconv.Itoa(len(builder.args))
}

func (builder *whereBuilder) add(condition string) {
	builder.conditions = append(builder.conditions, condition)
}

func (builder *whereBuilder) sql() string {
	if len(builder.conditions) == 0 {
		return ""
	}

	return " WHERE " + strings.Join(builder.conditions, " AND ")
}

// buildQueryWhere translates an admin filter into a WHERE clause with
// positional arguments. It mirrors outbox.QueryFilter.Matches.
func buildQueryWhere(filter outbox.QueryFilter) (string, []any, error) {
	var builder whereBuilder

	switch filter.Status {
	case outbox.StatusPending:
		builder.add(pendingCondition)
	case outbox.StatusFailed:
		builder.add(pendingCondition + " AND retry_count > 0")
	case outbox.StatusDeadLetter:
		builder.add("dead_letter = TRUE")
	case outbox.StatusProcessed:
		builder.add("is_processed = TRUE AND dead_letter = FALSE")
	}

	if filter.TenantID != "" {
		builder.add("tenant_id = " + builder.arg(filter.TenantID))
	}

	if filter.IdempotencyKey != "" {
		builder.add("idempotency_key = " + builder.arg(filter.IdempotencyKey))
	}

	if filter.EventType != "" {
		if outbox.IsEventTypeGlob(filter.EventType) {
			pattern, err := globToRegex(filter.EventType)
			if err != nil {
				return "", nil, fmt.Errorf("%w: eventType pattern: %w", outbox.ErrInvalidQuery, err)
			}

			builder.add("event_type ~ " + builder.arg(pattern))
		} else {
			exact := builder.arg(filter.EventType)
			prefix := builder.arg(escapeLike(filter.EventType) + ".%")
			builder.add("(event_type = " + exact + " OR event_type LIKE " + prefix + ")")
		}
	}

	if filter.HasError != nil {
		if *filter.HasError {
			builder.add("(error IS NOT NULL AND error <> '')")
		} else {
			builder.add("(error IS NULL OR error = '')")
		}
	}

	if filter.MinCreatedAt != nil {
		builder.add("created_at >= " + builder.arg(*filter.MinCreatedAt))
	}

	if filter.MaxCreatedAt != nil {
		builder.add("created_at <= " + builder.arg(*filter.MaxCreatedAt))
	}

	if filter.MinRetry != nil {
		builder.add("retry_count >= " + builder.arg(*filter.MinRetry))
	}

	if filter.MaxRetry != nil {
		builder.add("retry_count <= " + builder.arg(*filter.MaxRetry))
	}

	if filter.StaleSeconds > 0 {
		builder.add(pendingCondition + " AND created_at < " + builder.arg(filter.StaleBefore()))
	}

	return builder.sql(), builder.args, nil
}

// escapeLike escapes LIKE metacharacters using the default backslash escape.
func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

// globToRegex converts a path.Match pattern into an anchored POSIX regular
// expression with the same meaning.
func globToRegex(pattern string) (string, error) {
	runes := []rune(pattern)

	var out strings.Builder

	out.WriteByte('^')

	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			out.WriteString("[^/]*")
		case '?':
			out.WriteString("[^/]")
		case '\\':
			i++
			if i >= len(runes) {
				return "", path.ErrBadPattern
			}

			out.WriteString(regexp.QuoteMeta(string(runes[i])))
		case '[':
			class, next, err := globClass(runes, i+1)
			if err != nil {
				return "", err
			}

			out.WriteString(class)

			i = next
		default:
			out.WriteString(regexp.QuoteMeta(string(runes[i])))
		}
	}

	out.WriteByte('$')

	return out.String(), nil
}

// globClass converts the character class starting after '[' at start. It
// returns the regex class and the index of the closing ']'.
func globClass(runes []rune, start int) (string, int, error) {
	var out strings.Builder

	out.WriteByte('[')

	i := start
	if i < len(runes) && runes[i] == '^' {
		out.WriteByte('^')

		i++
	}

	members := 0

	for ; i < len(runes); i++ {
		r := runes[i]

		switch {
		case r == ']' && members > 0:
			out.WriteByte(']')

			return out.String(), i, nil
		case r == '-' && members > 0 && i+1 < len(runes) && runes[i+1] != ']':
			out.WriteByte('-')

			continue
		case r == '\\':
			i++
			if i >= len(runes) {
				return "", 0, path.ErrBadPattern
			}

			r = runes[i]
		case r == '-' || r == ']':
			return "", 0, path.ErrBadPattern
		}

		writeClassMember(&out, r)

		members++
	}

	return "", 0, path.ErrBadPattern
}

func writeClassMember(out *strings.Builder, r rune) {
	if strings.ContainsRune(`\]^[-`, r) {
		out.WriteByte('\\')
	}

	out.WriteRune(r)
}

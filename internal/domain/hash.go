package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// RowHash computes the 16-byte content hash of a record: the XXH3-128 digest
// of the "|"-joined canonical string form of its values, taken in the
// model's sorted key order. Nil values contribute the empty string, so a nil
// value and an empty string hash identically.
func RowHash(record Record, sortedKeys []string) []byte {
	var b strings.Builder
	for i, key := range sortedKeys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(CanonicalString(record[key]))
	}
	sum := xxh3.Hash128([]byte(b.String())).Bytes()
	return sum[:]
}

// CanonicalString renders a typed record value into its stable string form
// used for hashing. Values reaching here have already been normalized by
// field validation.
func CanonicalString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", val)
	}
}

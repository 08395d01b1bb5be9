// Package export snapshots a target table to an Arrow IPC file, giving
// downstream tools a columnar copy without touching the warehouse.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jackc/pgx/v5"
)

// DB is the database slice the exporter needs; *pgxpool.Pool satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// recordBatchSize is the number of rows per Arrow record batch.
const recordBatchSize = 1024

var identifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Run reads every row of SELECT * of a table into memory, then writes them
// as an Arrow IPC file at outPath.
func Run(ctx context.Context, db DB, table, outPath string) error {
	if !identifier.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}

	rows, err := db.Query(ctx, "SELECT * FROM "+table)
	if err != nil {
		return fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	names := make([]string, 0, len(rows.FieldDescriptions()))
	for _, fd := range rows.FieldDescriptions() {
		names = append(names, string(fd.Name))
	}

	var data [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("read row from %s: %w", table, err)
		}
		data = append(data, values)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", table, err)
	}

	schema := inferSchema(names, data)

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	defer out.Close()

	alloc := memory.NewGoAllocator()
	writer, err := ipc.NewFileWriter(out, ipc.WithSchema(schema), ipc.WithAllocator(alloc))
	if err != nil {
		return fmt.Errorf("open arrow writer: %w", err)
	}

	for start := 0; start < len(data); start += recordBatchSize {
		end := start + recordBatchSize
		if end > len(data) {
			end = len(data)
		}
		rec, err := buildRecord(alloc, schema, data[start:end])
		if err != nil {
			writer.Close()
			return err
		}
		if err := writer.Write(rec); err != nil {
			rec.Release()
			writer.Close()
			return fmt.Errorf("write arrow batch: %w", err)
		}
		rec.Release()
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close arrow writer: %w", err)
	}

	slog.Info("exported table", "table", table, "rows", len(data), "path", outPath)
	return nil
}

// inferSchema maps each column to an Arrow type from its first non-nil
// value. Columns with no values, or unrecognized driver types, export as
// strings.
func inferSchema(names []string, data [][]any) *arrow.Schema {
	fields := make([]arrow.Field, len(names))
	for col, name := range names {
		var sample any
		for _, row := range data {
			if row[col] != nil {
				sample = row[col]
				break
			}
		}
		fields[col] = arrow.Field{Name: name, Type: arrowType(sample), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(sample any) arrow.DataType {
	switch sample.(type) {
	case int16, int32, int64:
		return arrow.PrimitiveTypes.Int64
	case float32, float64:
		return arrow.PrimitiveTypes.Float64
	case bool:
		return arrow.FixedWidthTypes.Boolean
	case time.Time:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case []byte:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

func buildRecord(alloc memory.Allocator, schema *arrow.Schema, rows [][]any) (arrow.Record, error) {
	builder := array.NewRecordBuilder(alloc, schema)
	defer builder.Release()

	for _, row := range rows {
		for col := range schema.Fields() {
			if err := appendValue(builder.Field(col), row[col]); err != nil {
				return nil, fmt.Errorf("column %s: %w", schema.Field(col).Name, err)
			}
		}
	}
	return builder.NewRecord(), nil
}

func appendValue(b array.Builder, value any) error {
	if value == nil {
		b.AppendNull()
		return nil
	}
	switch builder := b.(type) {
	case *array.Int64Builder:
		switch v := value.(type) {
		case int16:
			builder.Append(int64(v))
		case int32:
			builder.Append(int64(v))
		case int64:
			builder.Append(v)
		default:
			return fmt.Errorf("unexpected integer value %T", value)
		}
	case *array.Float64Builder:
		switch v := value.(type) {
		case float32:
			builder.Append(float64(v))
		case float64:
			builder.Append(v)
		default:
			return fmt.Errorf("unexpected float value %T", value)
		}
	case *array.BooleanBuilder:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("unexpected bool value %T", value)
		}
		builder.Append(v)
	case *array.TimestampBuilder:
		v, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("unexpected timestamp value %T", value)
		}
		ts, err := arrow.TimestampFromTime(v.UTC(), arrow.Microsecond)
		if err != nil {
			return err
		}
		builder.Append(ts)
	case *array.BinaryBuilder:
		v, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("unexpected binary value %T", value)
		}
		builder.Append(v)
	case *array.StringBuilder:
		builder.Append(fmt.Sprintf("%v", value))
	default:
		return fmt.Errorf("unsupported arrow builder %T", b)
	}
	return nil
}

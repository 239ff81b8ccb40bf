// pkg/converter/converter.go
package converter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

var precisionScalePattern = regexp.MustCompile(`NUMBER\((\d+)(?:,\s*(\d+))?\)`)

// TypeConverter maps the closed column kinds to PostgreSQL storage types and
// checks staging column types against the declared kinds
type TypeConverter struct {
	logger *zap.Logger
	config TypeConverterConfig
}

// TypeConverterConfig provides configuration options for type conversion
type TypeConverterConfig struct {
	// Emit CHECK constraints for enum columns
	EnumChecks bool
	// Emit NOT NULL for columns whose missing policy is reject
	NotNullOnReject bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() TypeConverterConfig {
	return TypeConverterConfig{
		EnumChecks:      true,
		NotNullOnReject: true,
	}
}

// NewTypeConverter creates a new TypeConverter with default configuration
func NewTypeConverter(logger *zap.Logger) *TypeConverter {
	return NewTypeConverterWithConfig(logger, DefaultConfig())
}

// NewTypeConverterWithConfig creates a TypeConverter with custom configuration
func NewTypeConverterWithConfig(logger *zap.Logger, config TypeConverterConfig) *TypeConverter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypeConverter{
		logger: logger,
		config: config,
	}
}

// PostgresType returns the storage type of a kind. Timestamps are always
// TIMESTAMPTZ, never text.
func PostgresType(kind model.ColumnKind) string {
	switch kind {
	case model.KindIntegerID:
		return "BIGINT"
	case model.KindTimestamp:
		return "TIMESTAMPTZ"
	case model.KindFloatMeasure:
		return "DOUBLE PRECISION"
	case model.KindBooleanFlag:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// GenerateColumnDefinitions creates PostgreSQL column definitions for a schema
func (c *TypeConverter) GenerateColumnDefinitions(schema *model.EntitySchema) []string {
	definitions := make([]string, 0, len(schema.Columns))

	for _, col := range schema.Columns {
		nullability := "NULL"
		if col.IsPrimaryKey || (c.config.NotNullOnReject && col.Missing == model.PolicyReject) {
			nullability = "NOT NULL"
		}

		def := fmt.Sprintf("%s %s %s", pq.QuoteIdentifier(col.Name), PostgresType(col.Kind), nullability)

		if c.config.EnumChecks && col.Kind == model.KindEnum && len(col.EnumValues) > 0 {
			quoted := make([]string, len(col.EnumValues))
			for i, v := range col.EnumValues {
				quoted[i] = pq.QuoteLiteral(v)
			}
			def += fmt.Sprintf(" CHECK (%s IN (%s))", pq.QuoteIdentifier(col.Name), strings.Join(quoted, ", "))
		}

		definitions = append(definitions, def)
	}

	return definitions
}

// MapSnowflakeTypeToKind returns the kind a Snowflake staging column can feed.
// Text columns can feed any kind since the cleaner parses them.
func (c *TypeConverter) MapSnowflakeTypeToKind(snowType string) (model.ColumnKind, error) {
	snowType = strings.ToUpper(strings.TrimSpace(snowType))
	baseType := strings.TrimSpace(strings.Split(snowType, "(")[0])

	switch baseType {
	case "VARCHAR", "TEXT", "STRING", "CHAR":
		return model.KindText, nil
	case "NUMBER", "DECIMAL", "NUMERIC":
		matches := precisionScalePattern.FindStringSubmatch(snowType)
		if len(matches) > 2 && matches[2] != "" {
			if scale, err := strconv.Atoi(matches[2]); err == nil && scale > 0 {
				return model.KindFloatMeasure, nil
			}
		}
		return model.KindIntegerID, nil
	case "INT", "INTEGER", "BIGINT", "SMALLINT":
		return model.KindIntegerID, nil
	case "FLOAT", "DOUBLE", "REAL":
		return model.KindFloatMeasure, nil
	case "BOOLEAN":
		return model.KindBooleanFlag, nil
	case "DATE", "TIMESTAMP_NTZ", "TIMESTAMP_TZ", "TIMESTAMP_LTZ", "TIMESTAMP", "DATETIME":
		return model.KindTimestamp, nil
	default:
		c.logger.Warn("Unknown Snowflake type encountered", zap.String("snowflakeType", snowType))
		return model.KindText, fmt.Errorf("unknown Snowflake type: %s", snowType)
	}
}

// CanFeed reports whether a staging column of snowType can be loaded into a
// column of the declared kind
func (c *TypeConverter) CanFeed(snowType string, declared model.ColumnKind) bool {
	kind, err := c.MapSnowflakeTypeToKind(snowType)
	if err != nil {
		return false
	}
	switch {
	case kind == declared, kind == model.KindText:
		return true
	case declared == model.KindText || declared == model.KindEnum:
		return true
	case kind == model.KindIntegerID && declared == model.KindFloatMeasure:
		return true
	default:
		return false
	}
}

// ConvertValueForPostgres checks a cleaned value has the Go type its kind is
// stored as and returns it ready for binding
func ConvertValueForPostgres(value interface{}, kind model.ColumnKind, colName string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	if !kind.Holds(value) {
		return nil, fmt.Errorf("column %s: %T is not a cleaned %s value", colName, value, kind)
	}
	if t, ok := value.(time.Time); ok {
		return t.UTC(), nil
	}
	return value, nil
}

// RowValues orders a cleaned row's values by schema column order
func RowValues(schema *model.EntitySchema, row model.Row) ([]interface{}, error) {
	values := make([]interface{}, len(schema.Columns))
	for i, col := range schema.Columns {
		v, err := ConvertValueForPostgres(row[col.Name], col.Kind, col.Name)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

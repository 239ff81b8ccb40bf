package converter

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

func TestGenerateColumnDefinitions_TimestampsAreTimestamptz(t *testing.T) {
	c := NewTypeConverter(zap.NewNop())

	for _, schema := range model.Schemas() {
		defs := c.GenerateColumnDefinitions(schema)
		require.Len(t, defs, len(schema.Columns))

		for i, col := range schema.Columns {
			if col.Kind == model.KindTimestamp {
				assert.Contains(t, defs[i], "TIMESTAMPTZ", col.Name)
			}
			if col.IsPrimaryKey {
				assert.True(t, strings.HasSuffix(defs[i], "NOT NULL"), col.Name)
			}
		}
	}
}

func TestGenerateColumnDefinitions_EnumCheck(t *testing.T) {
	c := NewTypeConverter(zap.NewNop())
	defs := c.GenerateColumnDefinitions(model.SchemaFor(model.EntityComments))

	var typeDef string
	for _, d := range defs {
		if strings.HasPrefix(d, `"comment_type"`) {
			typeDef = d
		}
	}
	assert.Equal(t, `"comment_type" TEXT NULL CHECK ("comment_type" IN ('Note', 'Email', 'Phone', 'System'))`, typeDef)
}

func TestMapSnowflakeTypeToKind(t *testing.T) {
	c := NewTypeConverter(nil)

	tests := []struct {
		in   string
		want model.ColumnKind
	}{
		{"NUMBER(38,0)", model.KindIntegerID},
		{"NUMBER(10,2)", model.KindFloatMeasure},
		{"VARCHAR(16777216)", model.KindText},
		{"TIMESTAMP_NTZ(9)", model.KindTimestamp},
		{"boolean", model.KindBooleanFlag},
		{"FLOAT", model.KindFloatMeasure},
	}
	for _, tt := range tests {
		got, err := c.MapSnowflakeTypeToKind(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := c.MapSnowflakeTypeToKind("GEOGRAPHY")
	assert.Error(t, err)
}

func TestCanFeed(t *testing.T) {
	c := NewTypeConverter(nil)
	assert.True(t, c.CanFeed("VARCHAR", model.KindTimestamp))
	assert.True(t, c.CanFeed("NUMBER(38,0)", model.KindFloatMeasure))
	assert.False(t, c.CanFeed("BOOLEAN", model.KindTimestamp))
	assert.False(t, c.CanFeed("GEOGRAPHY", model.KindText))
}

func TestRowValues(t *testing.T) {
	schema := model.SchemaFor(model.EntityComments)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("PDT", -7*3600))

	values, err := RowValues(schema, model.Row{
		"comment_id": int64(1),
		"ticket_id":  int64(9),
		"created_at": created,
		"body":       "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), values[0])
	assert.Equal(t, time.UTC, values[3].(time.Time).Location())
	assert.Nil(t, values[2])

	_, err = RowValues(schema, model.Row{"comment_id": int64(1), "created_at": "2024-05-01"})
	assert.Error(t, err, "text timestamps must not reach the store")
}

package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

func TestReadCSV(t *testing.T) {
	data := "\xEF\xBB\xBFComment_ID, ticket_id ,body\n1,10,hello\n2,,\"multi\nline\"\n3,12,caf\xe9\n"

	extract, err := ReadCSV(strings.NewReader(data), model.SchemaFor(model.EntityComments), "comments.csv")
	require.NoError(t, err)

	assert.Equal(t, []string{"comment_id", "ticket_id", "body"}, extract.Columns)
	require.Equal(t, 3, extract.RowCount())
	assert.Equal(t, "1", extract.Rows[0]["comment_id"])
	assert.Nil(t, extract.Rows[1]["ticket_id"])
	assert.Equal(t, "multi\nline", extract.Rows[1]["body"])
	assert.Equal(t, "caf\xe9", extract.Rows[2]["body"], "invalid bytes are kept for validation")

	sum := sha256.Sum256([]byte(data))
	assert.Equal(t, hex.EncodeToString(sum[:]), extract.Checksum)
}

func TestReadCSV_Errors(t *testing.T) {
	schema := model.SchemaFor(model.EntityTickets)

	_, err := ReadCSV(strings.NewReader(""), schema, "empty.csv")
	assert.Error(t, err)

	_, err = ReadCSV(strings.NewReader("ticket_id,title\n1,a,extra\n"), schema, "ragged.csv")
	assert.Error(t, err)

	_, err = ReadCSV(strings.NewReader("a\n"), nil, "x.csv")
	assert.Error(t, err)
}

func TestDirLoader(t *testing.T) {
	dir := t.TempDir()
	files := map[model.EntityType]string{
		model.EntityTickets:     "ticket_id,title,created_at\n1,Printer,2024-01-02\n",
		model.EntityComments:    "comment_id,ticket_id,created_at\n5,1,2024-01-03\n",
		model.EntityTimeEntries: "entry_id,ticket_id,date_worked,hours_worked\n9,,2024-01-04,1.5\n",
	}
	for entity, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(entity)), []byte(body), 0o644))
	}

	set, err := NewDirLoader(dir, nil, zap.NewNop()).Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, set, 3)
	assert.Equal(t, 3, set.TotalRows())
	assert.Equal(t, "1.5", set[model.EntityTimeEntries].Rows[0]["hours_worked"])
	assert.NotEmpty(t, set.Checksum())

	again, err := NewDirLoader(dir, nil, nil).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, set.Checksum(), again.Checksum())
}

func TestDirLoader_MissingExtract(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tickets.csv"), []byte("ticket_id\n1\n"), 0o644))

	_, err := NewDirLoader(dir, nil, nil).Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExtractNotFound))
}

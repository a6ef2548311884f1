package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Format
		wantErr bool
	}{
		{name: "table", input: "table", want: FormatTable},
		{name: "empty defaults to table", input: "", want: FormatTable},
		{name: "json", input: "json", want: FormatJSON},
		{name: "JSON uppercase", input: "JSON", want: FormatJSON},
		{name: "yaml", input: "yaml", want: FormatYAML},
		{name: "yml alias", input: "yml", want: FormatYAML},
		{name: "whitespace trimmed", input: "  table  ", want: FormatTable},
		{name: "invalid format", input: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTableData(t *testing.T) {
	table := NewTableData("ID", "Source", "Status")

	assert.Equal(t, []string{"ID", "Source", "Status"}, table.Headers())
	assert.Empty(t, table.Rows())

	table.AddRow("snap-1", "doc-42", "completed")
	table.AddRow("snap-2", "doc-42", "pending")

	rows := table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"snap-1", "doc-42", "completed"}, rows[0])
	assert.Equal(t, []string{"snap-2", "doc-42", "pending"}, rows[1])
}

func TestPrintTable(t *testing.T) {
	table := NewTableData("ID", "Status")
	table.AddRow("snap-1", "completed")
	table.AddRow("snap-2", "corrupt")

	var buf bytes.Buffer
	err := PrintTable(&buf, table)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "snap-1")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "corrupt")
}

type sample struct {
	ID     string `json:"id" yaml:"id"`
	Chunks int    `json:"chunks" yaml:"chunks"`
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	err := PrintJSON(&buf, sample{ID: "snap-1", Chunks: 12})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"id": "snap-1"`)
	assert.Contains(t, out, `"chunks": 12`)
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	err := PrintYAML(&buf, []sample{{ID: "snap-1", Chunks: 12}, {ID: "snap-2", Chunks: 3}})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "- id: snap-1")
	assert.Contains(t, out, "chunks: 12")
	assert.Contains(t, out, "- id: snap-2")
}

package importer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectRows(t *testing.T, data string, opts ReadOptions) ([]RawRow, []error) {
	t.Helper()
	var (
		rows []RawRow
		errs []error
	)
	for row, err := range ReadRows(strings.NewReader(data), opts) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rows = append(rows, row)
	}
	return rows, errs
}

func TestReadRows_DetectsDelimiter(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"comma", "Date,Amount,Memo\n2024-01-01,\"1,5\",x\n"},
		{"semicolon", "Date;Amount;Memo\n2024-01-01;1,5;x\n"},
		{"tab", "Date\tAmount\tMemo\n2024-01-01\t1,5\tx\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, errs := collectRows(t, tt.data, ReadOptions{})
			require.Empty(t, errs)
			require.Len(t, rows, 1)
			assert.Equal(t, "1,5", rows[0].Fields["Amount"])
			assert.Equal(t, 2, rows[0].Line)
		})
	}
}

func TestReadRows_BOMAndBlankLines(t *testing.T) {
	data := "\xef\xbb\xbfDate,Amount\n\n2024-01-01,1\n , \n2024-01-02,2\n"
	rows, errs := collectRows(t, data, ReadOptions{})

	require.Empty(t, errs)
	require.Len(t, rows, 2)
	v, ok := rows[0].Get("Date")
	assert.True(t, ok)
	assert.Equal(t, "2024-01-01", v)
}

func TestReadRows_MalformedRecordContinues(t *testing.T) {
	data := "a,b\n1,2\n3,\"bad\"x\n5,6\n"
	rows, errs := collectRows(t, data, ReadOptions{Delimiter: ','})

	require.Len(t, errs, 1)
	var rowErr *RowError
	require.ErrorAs(t, errs[0], &rowErr)
	assert.Equal(t, 3, rowErr.Line)
	require.Len(t, rows, 2)
	assert.Equal(t, "5", rows[1].Fields["a"])
}

func TestReadRows_ShortRecord(t *testing.T) {
	rows, errs := collectRows(t, "a,b,c\n1\n", ReadOptions{})
	require.Empty(t, errs)
	require.Len(t, rows, 1)
	_, ok := rows[0].Get("c")
	assert.False(t, ok)
}

func TestReadRows_Empty(t *testing.T) {
	rows, errs := collectRows(t, "", ReadOptions{})
	assert.Empty(t, rows)
	assert.Empty(t, errs)
}

func TestHeaders(t *testing.T) {
	headers, samples, err := Headers(strings.NewReader("Date;Amount;Memo\n2024-01-01;1;x\n2024-01-02;2;y\n2024-01-03;3;z\n"), ReadOptions{}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Date", "Amount", "Memo"}, headers)
	require.Len(t, samples, 2)
	assert.Equal(t, "y", samples[1]["Memo"])
}

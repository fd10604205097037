package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"shardledger/core/events"
)

func TestExportParquet(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	for i := byte(1); i <= 3; i++ {
		status := "success"
		if i == 2 {
			status = "failure"
		}
		j.Emit(events.TxFinalized{Fingerprint: fingerprint(i), Caller: account(i), Intent: "mint", Token: 7, Status: status, Instructions: 1})
	}

	path := filepath.Join(t.TempDir(), "journal.parquet")
	out, err := os.Create(path)
	require.NoError(t, err)
	n, err := j.ExportParquet(ctx, out, Filter{Status: "success"})
	require.NoError(t, err)
	require.NoError(t, out.Close())
	require.Equal(t, 2, n)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetEntry), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	require.Equal(t, int64(2), pr.GetNumRows())
	rows := make([]parquetEntry, 2)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, fingerprint(1).String(), rows[0].Fingerprint)
	require.Equal(t, fingerprint(3).String(), rows[1].Fingerprint)
	require.Equal(t, "success", rows[1].Status)
}

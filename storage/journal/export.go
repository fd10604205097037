package journal

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

const exportPageSize = 1000

type parquetEntry struct {
	ID           int64  `parquet:"name=id, type=INT64"`
	Fingerprint  string `parquet:"name=fingerprint, type=BYTE_ARRAY, convertedtype=UTF8"`
	Caller       string `parquet:"name=caller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Intent       string `parquet:"name=intent, type=BYTE_ARRAY, convertedtype=UTF8"`
	Token        string `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status       string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Code         string `parquet:"name=code, type=BYTE_ARRAY, convertedtype=UTF8"`
	Instructions int32  `parquet:"name=instructions, type=INT32"`
	FinalizedAt  string `parquet:"name=finalized_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes every entry matching f to w as a Parquet file and
// returns the number of rows written. f.AfterID is the starting point and
// f.Limit is ignored.
func (j *Journal) ExportParquet(ctx context.Context, w io.Writer, f Filter) (int, error) {
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(w), new(parquetEntry), 1)
	if err != nil {
		return 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	f.Limit = exportPageSize
	for {
		page, err := j.List(ctx, f)
		if err != nil {
			_ = pw.WriteStop()
			return written, err
		}
		for _, e := range page {
			row := &parquetEntry{
				ID:           e.ID,
				Fingerprint:  e.Fingerprint,
				Caller:       e.Caller,
				Intent:       e.Intent,
				Token:        e.Token,
				Status:       e.Status,
				Code:         e.Code,
				Instructions: int32(e.Instructions),
				FinalizedAt:  e.FinalizedAt.UTC().Format(time.RFC3339Nano),
			}
			if err := pw.Write(row); err != nil {
				_ = pw.WriteStop()
				return written, fmt.Errorf("journal: parquet write: %w", err)
			}
			written++
		}
		if len(page) < exportPageSize {
			break
		}
		f.AfterID = page[len(page)-1].ID
	}
	if err := pw.WriteStop(); err != nil {
		return written, fmt.Errorf("journal: parquet flush: %w", err)
	}
	return written, nil
}

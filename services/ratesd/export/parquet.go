// Package export writes rate history as parquet files.
package export

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"ratecontrol/native/ratebuffer"
)

type parquetRow struct {
	Entity    string `parquet:"name=entity, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Index     int32  `parquet:"name=index, type=INT32"`
	Target    string `parquet:"name=target, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Current   string `parquet:"name=current, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64"`
}

// WriteRates encodes rates, newest first as returned by the controller, into
// w. Rate values are written as decimal strings because they may exceed the
// signed 64-bit range.
func WriteRates(w io.Writer, entity common.Address, rates []ratebuffer.Rate) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	id := entity.Hex()
	for i, rate := range rates {
		row := &parquetRow{
			Entity:    id,
			Index:     int32(i),
			Target:    strconv.FormatUint(rate.Target, 10),
			Current:   strconv.FormatUint(rate.Current, 10),
			Timestamp: int64(rate.Timestamp),
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	return nil
}

// WriteRatesFile writes rates to path.
func WriteRatesFile(path string, entity common.Address, rates []ratebuffer.Rate) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	if err := WriteRates(file, entity, rates); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}

package export

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"ratecontrol/native/ratebuffer"
)

var magic = []byte("PAR1")

func TestWriteRatesProducesParquet(t *testing.T) {
	rates := []ratebuffer.Rate{
		{Target: 120_000_000_000_000_000, Current: 120_000_000_000_000_000, Timestamp: 1_700_003_600},
		{Target: ^uint64(0), Current: 1, Timestamp: 1_700_000_000},
	}
	var buf bytes.Buffer
	if err := WriteRates(&buf, common.HexToAddress("0xaa"), rates); err != nil {
		t.Fatalf("write: %v", err)
	}
	data := buf.Bytes()
	if len(data) < 8 {
		t.Fatalf("parquet output too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], magic) || !bytes.Equal(data[len(data)-4:], magic) {
		t.Fatalf("missing parquet magic")
	}
}

func TestWriteRatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.parquet")
	if err := WriteRatesFile(path, common.HexToAddress("0xaa"), nil); err != nil {
		t.Fatalf("write file: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.HasPrefix(data, magic) {
		t.Fatalf("missing parquet magic")
	}
}

func TestWriteRatesReadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.parquet")
	rates := []ratebuffer.Rate{
		{Target: ^uint64(0), Current: 7, Timestamp: 1_700_003_600},
		{Target: 5, Current: 5, Timestamp: 1_700_000_000},
	}
	entity := common.HexToAddress("0xaa")
	if err := WriteRatesFile(path, entity, rates); err != nil {
		t.Fatalf("write file: %v", err)
	}
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer pr.ReadStop()
	if n := pr.GetNumRows(); n != int64(len(rates)) {
		t.Fatalf("expected %d rows, got %d", len(rates), n)
	}
	rows := make([]parquetRow, len(rates))
	if err := pr.Read(&rows); err != nil {
		t.Fatalf("read: %v", err)
	}
	if rows[0].Entity != entity.Hex() || rows[0].Target != "18446744073709551615" || rows[0].Current != "7" {
		t.Fatalf("unexpected first row %+v", rows[0])
	}
	if rows[1].Index != 1 || rows[1].Timestamp != 1_700_000_000 {
		t.Fatalf("unexpected second row %+v", rows[1])
	}
}

package csv

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	txio "github.com/hed1ad/txguard/pkg/io"
	"github.com/hed1ad/txguard/pkg/transaction"
)

var _ txio.Reader = (*Reader)(nil)

const sample = `owner_id,amount,timestamp,payment_method,flagged
1,120.50,2024-03-06 12:00:00,Transferencia,false
2,"1.234,56",2024-03-06 13:30:00,Efectivo,
3,abc,2024-03-06 14:00:00,Efectivo,false
4,10.00,not a date,Efectivo,false
5,10.00,2024-03-06 15:00:00,Cheque,false
1,75.00,2024-03-07T09:15:00Z,Tarjeta Crédito,true
`

func TestReadSkipsMalformedRows(t *testing.T) {
	r, err := FromReader(strings.NewReader(sample))
	require.NoError(t, err)

	txs, err := r.Read()
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, 3, r.Skipped())

	assert.Equal(t, int64(1), txs[0].OwnerID)
	assert.Equal(t, "120.50", txs[0].Amount.StringFixed(2))
	assert.Equal(t, transaction.Transfer, txs[0].Method)
	assert.Equal(t, 12, txs[0].Timestamp.Hour())

	assert.Equal(t, "1234.56", txs[1].Amount.StringFixed(2), "decimal comma")
	assert.False(t, txs[1].Flagged)

	assert.Equal(t, transaction.CreditCard, txs[2].Method)
	assert.True(t, txs[2].Flagged)
}

func TestHeaderOrderAndMissingColumns(t *testing.T) {
	r, err := FromReader(strings.NewReader("payment_method,timestamp,amount,owner_id\nEfectivo,2024-03-06 12:00:00,9.99,7\n"))
	require.NoError(t, err)
	txs, err := r.Read()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(7), txs[0].OwnerID)
	assert.Equal(t, []string{"payment_method", "timestamp", "amount", "owner_id"}, r.Headers())

	_, err = FromReader(strings.NewReader("owner_id,amount\n1,2\n"))
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestWithoutHeader(t *testing.T) {
	r, err := FromReader(strings.NewReader("1;5.00;2024-03-06 12:00:00;Efectivo\n"), WithHeader(false), WithComma(';'))
	require.NoError(t, err)
	txs, err := r.Read()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, transaction.Cash, txs[0].Method)
}

func TestStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txs.csv")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)

	var got []transaction.Transaction
	for tx := range ch {
		got = append(got, tx)
	}
	assert.Len(t, got, 3)
	assert.Equal(t, 3, r.Skipped())
}

func TestStreamStopsOnCancel(t *testing.T) {
	var b strings.Builder
	b.WriteString("owner_id,amount,timestamp,payment_method\n")
	for i := 0; i < 1000; i++ {
		b.WriteString("1,10.00,2024-03-06 12:00:00,Efectivo\n")
	}
	r, err := FromReader(strings.NewReader(b.String()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.Stream(ctx)
	require.NoError(t, err)
	<-ch
	cancel()

	n := 0
	for range ch {
		n++
	}
	assert.Less(t, n, 1000)
}

func TestStreamReportsReadFailure(t *testing.T) {
	src := io.MultiReader(
		strings.NewReader("owner_id,amount,timestamp,payment_method\n1,10.00,2024-03-06 12:00:00,Efectivo\n"),
		iotest.ErrReader(errors.New("device gone")),
	)
	r, err := FromReader(src)
	require.NoError(t, err)

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, 1, n)
	require.Error(t, r.Err())
	assert.Contains(t, r.Err().Error(), "device gone")
	assert.Zero(t, r.Skipped())
}

func TestStreamCleanEOFHasNoError(t *testing.T) {
	r, err := FromReader(strings.NewReader("owner_id,amount,timestamp,payment_method\n1,10.00,2024-03-06 12:00:00,Efectivo\n"))
	require.NoError(t, err)

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)
	for range ch {
	}
	assert.NoError(t, r.Err())
}

func TestNewReaderMissingFile(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}

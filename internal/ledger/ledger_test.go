package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thijssvd/sommos/internal/domain"
	"github.com/thijssvd/sommos/internal/ledger"
	sommostesting "github.com/thijssvd/sommos/internal/testing"
)

func TestEngine_AppendAndBalance(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	sommostesting.InsertWineAndVintage(t, db, 1, "Test Wine", 2019)

	eng := ledger.New()
	tx, err := db.Begin()
	require.NoError(t, err)

	_, err = eng.Append(tx, ledger.AppendInput{
		VintageID: 1, TransactionType: domain.TxnReceive, Location: "main-cellar", Quantity: 5,
	})
	require.NoError(t, err)

	_, err = eng.Append(tx, ledger.AppendInput{
		VintageID: 1, TransactionType: domain.TxnConsume, Location: "main-cellar", Quantity: 2,
	})
	require.NoError(t, err)

	bal, err := eng.Balance(tx, 1, "main-cellar")
	require.NoError(t, err)
	require.Equal(t, 3, bal.Quantity)
	require.Equal(t, 0, bal.ReservedQuantity)
	require.NoError(t, tx.Commit())
}

func TestEngine_ReserveUnreserveTracksSeparately(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	sommostesting.InsertWineAndVintage(t, db, 1, "Test Wine", 2019)

	eng := ledger.New()
	tx, err := db.Begin()
	require.NoError(t, err)

	_, _ = eng.Append(tx, ledger.AppendInput{VintageID: 1, TransactionType: domain.TxnReceive, Location: "main-cellar", Quantity: 5})
	_, _ = eng.Append(tx, ledger.AppendInput{VintageID: 1, TransactionType: domain.TxnReserve, Location: "main-cellar", Quantity: 2})

	bal, err := eng.Balance(tx, 1, "main-cellar")
	require.NoError(t, err)
	require.Equal(t, 5, bal.Quantity)
	require.Equal(t, 2, bal.ReservedQuantity)
	require.NoError(t, tx.Commit())
}

func TestEngine_UnreserveReleasesReservedBalance(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	sommostesting.InsertWineAndVintage(t, db, 1, "Test Wine", 2019)

	eng := ledger.New()
	tx, err := db.Begin()
	require.NoError(t, err)

	_, _ = eng.Append(tx, ledger.AppendInput{VintageID: 1, TransactionType: domain.TxnReceive, Location: "main-cellar", Quantity: 5})
	_, _ = eng.Append(tx, ledger.AppendInput{VintageID: 1, TransactionType: domain.TxnReserve, Location: "main-cellar", Quantity: 2})
	_, _ = eng.Append(tx, ledger.AppendInput{VintageID: 1, TransactionType: domain.TxnUnreserve, Location: "main-cellar", Quantity: 2})

	bal, err := eng.Balance(tx, 1, "main-cellar")
	require.NoError(t, err)
	require.Equal(t, 5, bal.Quantity)
	require.Equal(t, 0, bal.ReservedQuantity)
	require.NoError(t, tx.Commit())
}

func TestEngine_RebuildFromLedger(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	sommostesting.InsertWineAndVintage(t, db, 1, "Test Wine", 2019)

	eng := ledger.New()
	tx, err := db.Begin()
	require.NoError(t, err)
	_, _ = eng.Append(tx, ledger.AppendInput{VintageID: 1, TransactionType: domain.TxnReceive, Location: "main-cellar", Quantity: 10})
	_, _ = eng.Append(tx, ledger.AppendInput{VintageID: 1, TransactionType: domain.TxnConsume, Location: "main-cellar", Quantity: 4})
	_, _ = eng.Append(tx, ledger.AppendInput{VintageID: 1, TransactionType: domain.TxnReserve, Location: "main-cellar", Quantity: 3})
	_, _ = eng.Append(tx, ledger.AppendInput{VintageID: 1, TransactionType: domain.TxnUnreserve, Location: "main-cellar", Quantity: 2})
	require.NoError(t, eng.Rebuild(tx))
	require.NoError(t, tx.Commit())

	var qty, reserved int
	err = db.Conn().QueryRow(`SELECT quantity, reserved_quantity FROM stock WHERE vintage_id = 1 AND location = 'main-cellar'`).Scan(&qty, &reserved)
	require.NoError(t, err)
	require.Equal(t, 6, qty)
	require.Equal(t, 1, reserved)
}

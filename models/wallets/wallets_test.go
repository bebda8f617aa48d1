package wallets_test

import (
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhigulin22/collectx/apperr"
	"github.com/zhigulin22/collectx/build"
	"github.com/zhigulin22/collectx/db"
	"github.com/zhigulin22/collectx/models/wallets"
	"github.com/zhigulin22/collectx/testutil"
	"github.com/zhigulin22/collectx/testutil/userstestutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("wallets")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)

	rand.Seed(time.Now().UnixNano())

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	if err := testDB.Close(); err != nil {
		panic(err.Error())
	}

	os.Exit(result)
}

func TestGetWallet(t *testing.T) {
	user := userstestutil.CreateUserOrFail(t, testDB)

	t.Run("fresh wallet has zero balances", func(t *testing.T) {
		wallet, err := wallets.GetByUserID(testDB, user.ID)
		require.NoError(t, err)
		assert.Equal(t, user.ID, wallet.UserID)
		assert.True(t, wallet.BalanceUsdt.IsZero())
		assert.True(t, wallet.BalanceX.IsZero())
	})

	t.Run("missing wallet maps to not found", func(t *testing.T) {
		_, err := wallets.GetByUserID(testDB, 99999999)
		assert.ErrorIs(t, err, apperr.ErrWalletNotFound)
	})

	t.Run("locked read sees the same wallet", func(t *testing.T) {
		tx := testDB.MustBegin()
		defer func() { _ = tx.Rollback() }()

		wallet, err := wallets.GetWithLock(tx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, user.ID, wallet.UserID)
	})
}

func TestUpdateBalances(t *testing.T) {
	user := userstestutil.CreateUserOrFail(t, testDB)

	t.Run("updates one balance and leaves the other", func(t *testing.T) {
		tx := testDB.MustBegin()
		wallet, err := wallets.GetWithLock(tx, user.ID)
		require.NoError(t, err)

		newUsdt := decimal.RequireFromString("12.5")
		updated, err := wallets.UpdateBalances(tx, wallet.ID, wallets.BalanceUpdate{
			Usdt: &newUsdt,
		})
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.True(t, updated.BalanceUsdt.Equal(newUsdt))
		assert.True(t, updated.BalanceX.IsZero())
	})

	t.Run("updates both balances at once", func(t *testing.T) {
		tx := testDB.MustBegin()
		wallet, err := wallets.GetWithLock(tx, user.ID)
		require.NoError(t, err)

		usdt := decimal.RequireFromString("1.0000000001")
		x := decimal.RequireFromString("250")
		updated, err := wallets.UpdateBalances(tx, wallet.ID, wallets.BalanceUpdate{
			Usdt: &usdt,
			X:    &x,
		})
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.True(t, updated.BalanceUsdt.Equal(usdt))
		assert.True(t, updated.BalanceX.Equal(x))
	})

	t.Run("refuses a negative balance", func(t *testing.T) {
		tx := testDB.MustBegin()
		defer func() { _ = tx.Rollback() }()

		wallet, err := wallets.GetWithLock(tx, user.ID)
		require.NoError(t, err)

		negative := decimal.NewFromInt(-1)
		_, err = wallets.UpdateBalances(tx, wallet.ID, wallets.BalanceUpdate{
			X: &negative,
		})
		assert.Error(t, err)
	})

	t.Run("refuses an empty update", func(t *testing.T) {
		tx := testDB.MustBegin()
		defer func() { _ = tx.Rollback() }()

		_, err := wallets.UpdateBalances(tx, 1, wallets.BalanceUpdate{})
		assert.Error(t, err)
	})
}

func TestGetPairWithLock(t *testing.T) {
	first := userstestutil.CreateUserOrFail(t, testDB)
	second := userstestutil.CreateUserOrFail(t, testDB)

	t.Run("returns wallets in the order asked for", func(t *testing.T) {
		tx := testDB.MustBegin()
		defer func() { _ = tx.Rollback() }()

		a, b, err := wallets.GetPairWithLock(tx, first.ID, second.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, a.UserID)
		assert.Equal(t, second.ID, b.UserID)
	})

	t.Run("order of arguments does not matter", func(t *testing.T) {
		tx := testDB.MustBegin()
		defer func() { _ = tx.Rollback() }()

		b, a, err := wallets.GetPairWithLock(tx, second.ID, first.ID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, b.UserID)
		assert.Equal(t, first.ID, a.UserID)
	})

	t.Run("fails when either wallet is missing", func(t *testing.T) {
		tx := testDB.MustBegin()
		defer func() { _ = tx.Rollback() }()

		_, _, err := wallets.GetPairWithLock(tx, first.ID, 99999999)
		assert.ErrorIs(t, err, apperr.ErrWalletNotFound)
	})
}

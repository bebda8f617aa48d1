package actions

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/zhigulin22/collectx/cmd/collectx/flags"
	"github.com/zhigulin22/collectx/ledger"
	"github.com/zhigulin22/collectx/settings"
)

// Reconcile returns the command verifying that every wallet balance
// equals the sum of its ledger entries
func Reconcile() cli.Command {
	return cli.Command{
		Name:  "reconcile",
		Usage: "Verify wallet balances against the transaction ledger",
		Flags: flags.Db,
		Action: func(c *cli.Context) error {
			database, err := openDb(c)
			if err != nil {
				return err
			}
			defer closeDb(database)

			l := ledger.New(database, ledger.Config{
				Settings: settings.NewProvider(database, 0),
			})
			discrepancies, err := l.Reconcile()
			if err != nil {
				return err
			}
			if len(discrepancies) == 0 {
				fmt.Println("all wallet balances match the ledger")
				return nil
			}

			for _, d := range discrepancies {
				fmt.Printf("user %d %s: balance %s, ledger sum %s\n",
					d.UserID, d.Currency, d.Balance, d.LedgerSum)
			}
			return cli.NewExitError(
				fmt.Sprintf("%d balance(s) do not match the ledger", len(discrepancies)), 1)
		},
	}
}

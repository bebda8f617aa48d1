package ledger

import (
	"context"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/zhigulin22/collectx/apperr"
	"github.com/zhigulin22/collectx/db"
	"github.com/zhigulin22/collectx/models/transactions"
	"github.com/zhigulin22/collectx/models/users"
	"github.com/zhigulin22/collectx/models/wallets"
	"github.com/zhigulin22/collectx/money"
)

// SendPreview is a quoted but not yet executed transfer. The token locks
// in the quoted fee and must be presented to ConfirmSend before it
// expires.
type SendPreview struct {
	FromUserID int
	ToUserID   int
	ToUsername *string

	Amount decimal.Decimal
	Fee    decimal.Decimal
	// TotalDebit is amount plus fee, what the sender's balance must cover
	TotalDebit decimal.Decimal

	Token     string
	ExpiresAt time.Time
}

// SendResult describes a completed transfer
type SendResult struct {
	FromUserID int
	ToUserID   int

	Amount decimal.Decimal
	Fee    decimal.Decimal

	SenderEntry    transactions.Transaction
	RecipientEntry transactions.Transaction

	SenderWallet wallets.Wallet
}

// sendClaims is the payload of a send confirmation token
type sendClaims struct {
	jwt.StandardClaims
	FromUserID int    `json:"from"`
	ToUserID   int    `json:"to"`
	Amount     string `json:"amount"`
	Fee        string `json:"fee"`
}

// PreviewSend quotes a transfer of X from one user to another and issues
// a single-use confirmation token. The recipient is resolved from a
// telegram id or a username.
func (l *Ledger) PreviewSend(fromUserID int, recipientLookup string,
	amount decimal.Decimal) (SendPreview, error) {

	if !amount.IsPositive() {
		return SendPreview{}, apperr.ErrInvalidAmount
	}
	if len(l.sendTokenSecret) == 0 {
		return SendPreview{}, errors.New("send token secret is not configured")
	}

	conf, err := l.settings.Send()
	if err != nil {
		return SendPreview{}, err
	}
	if amount.LessThan(conf.MinAmount) {
		return SendPreview{}, apperr.ErrAmountBelowMinimum
	}

	recipient, err := users.Resolve(l.db, recipientLookup)
	if err != nil {
		return SendPreview{}, err
	}
	if recipient.ID == fromUserID {
		return SendPreview{}, apperr.ErrSelfTransfer
	}
	if err := users.CheckNotBlocked(l.db, fromUserID); err != nil {
		return SendPreview{}, err
	}
	if err := users.CheckNotBlocked(l.db, recipient.ID); err != nil {
		return SendPreview{}, err
	}

	// cheap early check so the user sees the problem at preview time, the
	// authoritative check happens under lock at confirm time
	wallet, err := wallets.GetByUserID(l.db, fromUserID)
	if err != nil {
		return SendPreview{}, err
	}
	totalDebit := amount.Add(conf.Fee)
	if wallet.BalanceX.LessThan(totalDebit) {
		return SendPreview{}, apperr.ErrInsufficientX
	}

	expiresAt := time.Now().Add(l.sendTokenTTL)
	claims := sendClaims{
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.NewString(),
			IssuedAt:  time.Now().Unix(),
			ExpiresAt: expiresAt.Unix(),
		},
		FromUserID: fromUserID,
		ToUserID:   recipient.ID,
		Amount:     amount.String(),
		Fee:        conf.Fee.String(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString(l.sendTokenSecret)
	if err != nil {
		return SendPreview{}, errors.Wrap(err, "could not sign send token")
	}

	return SendPreview{
		FromUserID: fromUserID,
		ToUserID:   recipient.ID,
		ToUsername: recipient.Username,
		Amount:     amount,
		Fee:        conf.Fee,
		TotalDebit: totalDebit,
		Token:      token,
		ExpiresAt:  expiresAt,
	}, nil
}

// ConfirmSend executes a previously previewed transfer. The token is
// single use: confirming it a second time fails even if it has not
// expired yet. The fee quoted at preview time is honored regardless of
// settings changes in between.
func (l *Ledger) ConfirmSend(ctx context.Context, fromUserID int, token string) (SendResult, error) {
	claims, err := l.parseSendToken(token)
	if err != nil {
		return SendResult{}, err
	}
	if claims.FromUserID != fromUserID {
		return SendResult{}, apperr.ErrInvalidSendToken
	}

	amount, err := decimal.NewFromString(claims.Amount)
	if err != nil {
		return SendResult{}, apperr.ErrInvalidSendToken
	}
	fee, err := decimal.NewFromString(claims.Fee)
	if err != nil {
		return SendResult{}, apperr.ErrInvalidSendToken
	}

	if err := l.consumeTokenID(claims.Id, time.Unix(claims.ExpiresAt, 0)); err != nil {
		return SendResult{}, err
	}

	result, err := l.transfer(ctx, claims.FromUserID, claims.ToUserID, amount, fee)
	if err != nil {
		// the transfer never happened, let the user retry with this token
		l.releaseTokenID(claims.Id)
		return SendResult{}, err
	}
	return result, nil
}

func (l *Ledger) parseSendToken(token string) (sendClaims, error) {
	var claims sendClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return l.sendTokenSecret, nil
	})
	if err != nil || !parsed.Valid {
		return sendClaims{}, apperr.ErrInvalidSendToken
	}
	if claims.Id == "" {
		return sendClaims{}, apperr.ErrInvalidSendToken
	}
	return claims, nil
}

// consumeTokenID marks a token id as used, failing if it already was.
// Expired entries are pruned on the way.
func (l *Ledger) consumeTokenID(id string, expiresAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for used, expiry := range l.usedTokenIDs {
		if expiry.Before(now) {
			delete(l.usedTokenIDs, used)
		}
	}

	if _, used := l.usedTokenIDs[id]; used {
		return apperr.ErrInvalidSendToken
	}
	l.usedTokenIDs[id] = expiresAt
	return nil
}

func (l *Ledger) releaseTokenID(id string) {
	l.mu.Lock()
	delete(l.usedTokenIDs, id)
	l.mu.Unlock()
}

// transfer moves X between two users atomically. Both wallets are locked
// in ascending wallet id order regardless of transfer direction, so two
// opposite transfers between the same pair cannot deadlock.
func (l *Ledger) transfer(ctx context.Context, fromUserID, toUserID int,
	amount, fee decimal.Decimal) (SendResult, error) {

	if fromUserID == toUserID {
		return SendResult{}, apperr.ErrSelfTransfer
	}
	if err := users.CheckNotBlocked(l.db, fromUserID); err != nil {
		return SendResult{}, err
	}
	if err := users.CheckNotBlocked(l.db, toUserID); err != nil {
		return SendResult{}, err
	}

	var result SendResult
	err := db.ExecFinancial(ctx, l.db, func(ctx context.Context, tx *sqlx.Tx) error {
		sender, recipient, err := wallets.GetPairWithLock(tx, fromUserID, toUserID)
		if err != nil {
			return err
		}

		totalDebit := amount.Add(fee)
		newSenderX, err := money.Deduct(sender.BalanceX, totalDebit, money.X)
		if err != nil {
			return err
		}
		newRecipientX := recipient.BalanceX.Add(amount)

		updatedSender, err := wallets.UpdateBalances(tx, sender.ID, wallets.BalanceUpdate{
			X: &newSenderX,
		})
		if err != nil {
			return err
		}
		if _, err := wallets.UpdateBalances(tx, recipient.ID, wallets.BalanceUpdate{
			X: &newRecipientX,
		}); err != nil {
			return err
		}

		senderEntry, err := transactions.Insert(tx, transactions.Transaction{
			WalletID:      sender.ID,
			Type:          transactions.Send,
			Currency:      money.X,
			Amount:        totalDebit.Neg(),
			BalanceAfter:  newSenderX,
			Fee:           &fee,
			RelatedUserID: &toUserID,
		})
		if err != nil {
			return err
		}
		recipientEntry, err := transactions.Insert(tx, transactions.Transaction{
			WalletID:      recipient.ID,
			Type:          transactions.Receive,
			Currency:      money.X,
			Amount:        amount,
			BalanceAfter:  newRecipientX,
			RelatedUserID: &fromUserID,
		})
		if err != nil {
			return err
		}

		result = SendResult{
			FromUserID:     fromUserID,
			ToUserID:       toUserID,
			Amount:         amount,
			Fee:            fee,
			SenderEntry:    senderEntry,
			RecipientEntry: recipientEntry,
			SenderWallet:   updatedSender,
		}
		return nil
	})
	if err != nil {
		return SendResult{}, err
	}

	log.WithFields(logrus.Fields{
		"fromUserId": fromUserID,
		"toUserId":   toUserID,
		"amount":     amount,
		"fee":        fee,
	}).Info("Executed transfer")

	l.notify("transfer received", func() error {
		return l.notifier.TransferReceived(toUserID, fromUserID, amount)
	})

	return result, nil
}

// Send executes a transfer directly at the current fee, without the
// preview/confirm handshake. Used by flows that have their own
// confirmation step.
func (l *Ledger) Send(ctx context.Context, fromUserID int, recipientLookup string,
	amount decimal.Decimal) (SendResult, error) {

	if !amount.IsPositive() {
		return SendResult{}, apperr.ErrInvalidAmount
	}

	conf, err := l.settings.Send()
	if err != nil {
		return SendResult{}, err
	}
	if amount.LessThan(conf.MinAmount) {
		return SendResult{}, apperr.ErrAmountBelowMinimum
	}

	recipient, err := users.Resolve(l.db, recipientLookup)
	if err != nil {
		return SendResult{}, err
	}

	return l.transfer(ctx, fromUserID, recipient.ID, amount, conf.Fee)
}

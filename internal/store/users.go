package store

import (
	"context"
	"time"

	"ippproxy/internal/model"
)

// EnsureAdminUser creates the administrator account on first start.
func (s *Store) EnsureAdminUser(ctx context.Context, user, pass string) error {
	if user == "" {
		user = "admin"
	}
	if pass == "" {
		pass = "admin"
	}
	return s.WithTx(ctx, false, func(tx *Tx) error {
		if _, err := s.GetUserByUsername(ctx, tx, user); err == nil {
			return nil
		} else if err != ErrNotFound {
			return err
		}
		return s.CreateUser(ctx, tx, user, pass, true)
	})
}

func (s *Store) CreateUser(ctx context.Context, tx *Tx, username, password string, admin bool) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO users (username, password_hash, is_admin, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
    `, username, hash, boolInt(admin), now, now); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO accounts (username, balance, credit_limit, updated_at)
        VALUES (?, 0, 0, ?)
        ON CONFLICT(username) DO NOTHING
    `, username, now)
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, tx *Tx, username string) (model.User, error) {
	var u model.User
	var isAdmin, disabled int
	err := tx.QueryRowContext(ctx, `
        SELECT id, username, password_hash, is_admin, disabled, created_at, updated_at
        FROM users
        WHERE username = ?
    `, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &isAdmin, &disabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, notFound(err)
	}
	u.IsAdmin = isAdmin != 0
	u.Disabled = disabled != 0
	return u, nil
}

func (s *Store) VerifyUser(ctx context.Context, tx *Tx, username, password string) (model.User, error) {
	u, err := s.GetUserByUsername(ctx, tx, username)
	if err != nil {
		return model.User{}, err
	}
	if err := checkPassword(u.PasswordHash, password); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// LookupUser reads a user outside of a caller transaction.
func (s *Store) LookupUser(ctx context.Context, username string) (model.User, error) {
	var u model.User
	err := s.WithTx(ctx, true, func(tx *Tx) error {
		var err error
		u, err = s.GetUserByUsername(ctx, tx, username)
		return err
	})
	return u, err
}

// Authenticate checks a user's password outside of a caller transaction.
func (s *Store) Authenticate(ctx context.Context, username, password string) (model.User, error) {
	var u model.User
	err := s.WithTx(ctx, true, func(tx *Tx) error {
		var err error
		u, err = s.VerifyUser(ctx, tx, username, password)
		return err
	})
	return u, err
}

func (s *Store) GetAccount(ctx context.Context, tx *Tx, username string) (model.Account, error) {
	a := model.Account{Username: username}
	err := tx.QueryRowContext(ctx, `
        SELECT balance, credit_limit, updated_at FROM accounts WHERE username = ?
    `, username).Scan(&a.Balance, &a.CreditLimit, &a.UpdatedAt)
	if err != nil {
		return model.Account{}, notFound(err)
	}
	return a, nil
}

func (s *Store) SetAccount(ctx context.Context, tx *Tx, a model.Account) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO accounts (username, balance, credit_limit, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(username) DO UPDATE SET
            balance = excluded.balance,
            credit_limit = excluded.credit_limit,
            updated_at = excluded.updated_at
    `, a.Username, a.Balance, a.CreditLimit, time.Now().UTC())
	return err
}

// DebitAccount takes amount from the account of username when its balance
// plus credit limit covers it. The check and the debit are one statement,
// so concurrent debits never overdraw. It reports false and changes nothing
// when the credit does not suffice or the account does not exist.
func (s *Store) DebitAccount(ctx context.Context, username string, amount int64) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	var ok bool
	err := s.WithTx(ctx, false, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE accounts SET balance = balance - ?, updated_at = ?
            WHERE username = ? AND balance + credit_limit >= ?
        `, amount, time.Now().UTC(), username, amount)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// CreditAccount gives amount back to the account of username.
func (s *Store) CreditAccount(ctx context.Context, username string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	return s.WithTx(ctx, false, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
            UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE username = ?
        `, amount, time.Now().UTC(), username)
		return err
	})
}

// GetCostParams returns the prices for mediaSize, falling back to the "*"
// row and then to zero prices.
func (s *Store) GetCostParams(ctx context.Context, tx *Tx, mediaSize string) (model.CostParams, error) {
	for _, key := range []string{mediaSize, "*"} {
		var p model.CostParams
		err := tx.QueryRowContext(ctx, `
            SELECT media_size, price_gray, price_color, duplex_discount, eco_discount
            FROM cost_params WHERE media_size = ?
        `, key).Scan(&p.MediaSize, &p.PriceGray, &p.PriceColor, &p.DuplexDiscount, &p.EcoDiscount)
		if err == nil {
			return p, nil
		}
		if notFound(err) != ErrNotFound {
			return model.CostParams{}, err
		}
	}
	return model.CostParams{MediaSize: "*"}, nil
}

func (s *Store) SetCostParams(ctx context.Context, tx *Tx, p model.CostParams) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO cost_params (media_size, price_gray, price_color, duplex_discount, eco_discount)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(media_size) DO UPDATE SET
            price_gray = excluded.price_gray,
            price_color = excluded.price_color,
            duplex_discount = excluded.duplex_discount,
            eco_discount = excluded.eco_discount
    `, p.MediaSize, p.PriceGray, p.PriceColor, p.DuplexDiscount, p.EcoDiscount)
	return err
}

package repository

import (
	"errors"
	"testing"

	"github.com/mmeshcher/wallet-system/internal/model"
)

func activeWallet(balance, deposited, withdrawn, spent int64) *model.Wallet {
	return &model.Wallet{
		OwnerID:        "U1",
		OwnerType:      model.OwnerTypeUser,
		Balance:        balance,
		Currency:       model.CurrencyVND,
		Status:         model.WalletStatusActive,
		TotalDeposited: deposited,
		TotalWithdrawn: withdrawn,
		TotalSpent:     spent,
	}
}

func TestApplyAmount(t *testing.T) {
	tests := []struct {
		name    string
		wallet  *model.Wallet
		typ     model.TransactionType
		amount  int64
		want    walletDelta
		wantErr error
	}{
		{
			name:   "deposit",
			wallet: activeWallet(1000, 1000, 0, 0),
			typ:    model.TransactionTypeDeposit,
			amount: 500,
			want:   walletDelta{Balance: 1500, TotalDeposited: 1500},
		},
		{
			name:   "withdraw",
			wallet: activeWallet(1000, 1000, 0, 0),
			typ:    model.TransactionTypeWithdraw,
			amount: 400,
			want:   walletDelta{Balance: 600, TotalDeposited: 1000, TotalWithdrawn: 400},
		},
		{
			name:   "withdraw entire balance",
			wallet: activeWallet(100000, 100000, 0, 0),
			typ:    model.TransactionTypeWithdraw,
			amount: 100000,
			want:   walletDelta{Balance: 0, TotalDeposited: 100000, TotalWithdrawn: 100000},
		},
		{
			name:    "withdraw from empty wallet",
			wallet:  activeWallet(0, 100000, 100000, 0),
			typ:     model.TransactionTypeWithdraw,
			amount:  1,
			wantErr: ErrInsufficientBalance,
		},
		{
			name:    "withdraw more than balance",
			wallet:  activeWallet(1000, 1000, 0, 0),
			typ:     model.TransactionTypeWithdraw,
			amount:  1001,
			wantErr: ErrInsufficientBalance,
		},
		{
			name:   "purchase",
			wallet: activeWallet(1000, 1000, 0, 0),
			typ:    model.TransactionTypePurchase,
			amount: 300,
			want:   walletDelta{Balance: 700, TotalDeposited: 1000, TotalSpent: 300},
		},
		{
			name:    "purchase over balance",
			wallet:  activeWallet(200, 1000, 800, 0),
			typ:     model.TransactionTypePurchase,
			amount:  300,
			wantErr: ErrInsufficientBalance,
		},
		{
			name:   "refund",
			wallet: activeWallet(700, 1000, 0, 300),
			typ:    model.TransactionTypeRefund,
			amount: 300,
			want:   walletDelta{Balance: 1000, TotalDeposited: 1000, TotalSpent: 0},
		},
		{
			name:   "refund clamps spent at zero",
			wallet: activeWallet(700, 1000, 0, 30),
			typ:    model.TransactionTypeRefund,
			amount: 50,
			want:   walletDelta{Balance: 750, TotalDeposited: 1000, TotalSpent: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyAmount(tt.wallet, tt.typ, tt.amount)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestApplyAmountUnsupportedType(t *testing.T) {
	if _, err := applyAmount(activeWallet(1000, 1000, 0, 0), model.TransactionTypeTransfer, 100); err == nil {
		t.Fatal("transfer has no balance arithmetic and must be rejected")
	}
}

func TestApplyAmountSequence(t *testing.T) {
	// Снятие всего баланса, затем ещё одной единицы: вторая операция обязана
	// отказать, баланс не уходит в минус.
	w := activeWallet(100000, 100000, 0, 0)

	d, err := applyAmount(w, model.TransactionTypeWithdraw, 100000)
	if err != nil {
		t.Fatal(err)
	}
	if d.Balance != 0 {
		t.Fatalf("balance = %d, want 0", d.Balance)
	}

	w.Balance = d.Balance
	w.TotalWithdrawn = d.TotalWithdrawn

	if _, err := applyAmount(w, model.TransactionTypeWithdraw, 1); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestApplyAmountBalanceInvariant(t *testing.T) {
	// Пара before/after записи журнала всегда отличается ровно на сумму
	// операции со знаком её вида.
	ops := []struct {
		typ    model.TransactionType
		amount int64
	}{
		{model.TransactionTypeDeposit, 50000},
		{model.TransactionTypePurchase, 20000},
		{model.TransactionTypeRefund, 20000},
		{model.TransactionTypeWithdraw, 30000},
	}

	w := activeWallet(0, 0, 0, 0)
	for _, op := range ops {
		before := w.Balance
		d, err := applyAmount(w, op.typ, op.amount)
		if err != nil {
			t.Fatalf("%s %d: %v", op.typ, op.amount, err)
		}

		want := before + op.amount
		if !op.typ.IsCredit() {
			want = before - op.amount
		}
		if d.Balance != want {
			t.Fatalf("%s: balance after = %d, want %d", op.typ, d.Balance, want)
		}

		w.Balance = d.Balance
		w.TotalDeposited = d.TotalDeposited
		w.TotalWithdrawn = d.TotalWithdrawn
		w.TotalSpent = d.TotalSpent
	}

	if w.Balance != 20000 {
		t.Fatalf("final balance = %d, want 20000", w.Balance)
	}
}

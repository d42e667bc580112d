package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ippproxy/internal/model"
)

func TestRebindPostgres(t *testing.T) {
	got := postgresDialect{}.Rebind("SELECT a FROM t WHERE b = ? AND c = ?")
	if want := "SELECT a FROM t WHERE b = $1 AND c = $2"; got != want {
		t.Fatalf("Rebind = %q, want %q", got, want)
	}
	if dialectFor("postgres://u@h/db").Name() != "postgres" || dialectFor("/tmp/x.db").Name() != "sqlite" {
		t.Fatalf("dialectFor picked the wrong dialect")
	}
}

func TestEnsurePrinterUndeletes(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	id, err := st.EnsurePrinter(ctx, "office")
	if err != nil {
		t.Fatalf("EnsurePrinter: %v", err)
	}
	if err := st.WithTx(ctx, false, func(tx *Tx) error { return st.MarkPrinterDeleted(ctx, tx, id) }); err != nil {
		t.Fatalf("MarkPrinterDeleted: %v", err)
	}
	again, err := st.EnsurePrinter(ctx, "OFFICE")
	if err != nil {
		t.Fatalf("EnsurePrinter again: %v", err)
	}
	if again != id {
		t.Fatalf("id = %d, want %d", again, id)
	}
	granted, err := st.PrinterAccessGranted(ctx, "office", "alice")
	if err != nil || !granted {
		t.Fatalf("PrinterAccessGranted = %v, %v, want open printer", granted, err)
	}
	if err := st.WithTx(ctx, false, func(tx *Tx) error { return st.GrantPrinterAccess(ctx, tx, id, "bob") }); err != nil {
		t.Fatalf("GrantPrinterAccess: %v", err)
	}
	if granted, _ := st.PrinterAccessGranted(ctx, "office", "alice"); granted {
		t.Fatalf("alice granted on restricted printer")
	}
	if granted, _ := st.PrinterAccessGranted(ctx, "office", "bob"); !granted {
		t.Fatalf("bob denied on printer granted to him")
	}
	if granted, _ := st.PrinterAccessGranted(ctx, "missing", "bob"); granted {
		t.Fatalf("unknown printer granted")
	}
}

func TestPrintOutLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if err := st.WithTx(ctx, false, func(tx *Tx) error {
		if err := st.CreateUser(ctx, tx, "alice", "secret", false); err != nil {
			return err
		}
		return st.SetAccount(ctx, tx, model.Account{Username: "alice", Balance: 500})
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	p := &model.PrintOut{
		Username: "alice", Printer: "OFFICE", JobName: "report", CupsJobID: 12,
		CupsJobState: model.JobPending, CupsCreationTime: created, Copies: 1, Pages: 3, Sheets: 2,
		MediaSize: "iso_a4_210x297mm", ESU: 200, Cost: 120,
	}
	if err := st.PersistPrintOut(ctx, p); err != nil {
		t.Fatalf("PersistPrintOut: %v", err)
	}
	if p.ID == 0 {
		t.Fatalf("id not assigned")
	}
	var acct model.Account
	_ = st.WithTx(ctx, true, func(tx *Tx) error {
		var err error
		acct, err = st.GetAccount(ctx, tx, "alice")
		return err
	})
	if acct.Balance != 500 {
		t.Fatalf("balance = %d, want 500: print outs are paid by DebitAccount", acct.Balance)
	}

	active, err := st.ListActivePrintOuts(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("active = %v, %v", active, err)
	}

	done := created.Add(time.Minute)
	if err := st.UpdateCupsJobState(ctx, p.ID, model.JobCompleted, &done); err != nil {
		t.Fatalf("UpdateCupsJobState: %v", err)
	}
	got, err := st.FindCupsJob(ctx, "OFFICE", 12)
	if err != nil {
		t.Fatalf("FindCupsJob: %v", err)
	}
	if got.CupsJobState != model.JobCompleted || got.CupsCompletedTime == nil || !got.CupsCompletedTime.Equal(done) {
		t.Fatalf("print out = %+v", got)
	}
	if _, err := st.FindCupsJob(ctx, "OFFICE", 13); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindCupsJob(13) err = %v, want ErrNotFound", err)
	}
	if active, _ := st.ListActivePrintOuts(ctx); len(active) != 0 {
		t.Fatalf("completed print out still active")
	}
}

func TestInboxJobSupplierID(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	err := st.WithTx(ctx, false, func(tx *Tx) error {
		j, err := st.CreateInboxJob(ctx, tx, model.InboxJob{Username: "alice", Queue: "public", Title: "a.pdf"})
		if err != nil {
			return err
		}
		if j.SupplierJobID != j.ID || j.State != model.JobPending {
			t.Fatalf("job = %+v", j)
		}
		if err := st.AttachInboxDocument(ctx, tx, j.ID, "/spool/a.pdf", "application/pdf", 100, 4); err != nil {
			return err
		}
		if err := st.UpdateInboxJobState(ctx, tx, j.ID, model.JobCompleted); err != nil {
			return err
		}
		if err := st.SetInboxDeletedPages(ctx, tx, j.ID, []int{2, 3}); err != nil {
			return err
		}
		inbox, err := st.ListInbox(ctx, tx, "alice")
		if err != nil {
			return err
		}
		if len(inbox) != 1 || inbox[0].Pages != 4 || len(inbox[0].DeletedPages) != 2 {
			t.Fatalf("inbox = %+v", inbox)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestVerifyUserAndCostFallback(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if err := st.EnsureAdminUser(ctx, "root", "pw"); err != nil {
		t.Fatalf("EnsureAdminUser: %v", err)
	}
	if _, err := st.Authenticate(ctx, "root", "pw"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := st.Authenticate(ctx, "root", "bad"); err == nil {
		t.Fatalf("Authenticate accepted a wrong password")
	}
	err := st.WithTx(ctx, false, func(tx *Tx) error {
		if err := st.SetCostParams(ctx, tx, model.CostParams{MediaSize: "*", PriceGray: 5, PriceColor: 20}); err != nil {
			return err
		}
		p, err := st.GetCostParams(ctx, tx, "iso_a3_297x420mm")
		if err != nil {
			return err
		}
		if p.MediaSize != "*" || p.PriceGray != 5 {
			t.Fatalf("cost params = %+v", p)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestDebitAccountNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if err := st.WithTx(ctx, false, func(tx *Tx) error {
		return st.SetAccount(ctx, tx, model.Account{Username: "alice", Balance: 70, CreditLimit: 30})
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	var wg sync.WaitGroup
	var debited atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.DebitAccount(ctx, "alice", 30)
			if err != nil {
				t.Errorf("DebitAccount: %v", err)
				return
			}
			if ok {
				debited.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := debited.Load(); got != 3 {
		t.Fatalf("%d debits of 30 succeeded against 100 of credit, want 3", got)
	}

	if err := st.CreditAccount(ctx, "alice", 30); err != nil {
		t.Fatalf("CreditAccount: %v", err)
	}
	var acct model.Account
	_ = st.WithTx(ctx, true, func(tx *Tx) error {
		var err error
		acct, err = st.GetAccount(ctx, tx, "alice")
		return err
	})
	if acct.Balance != 10 {
		t.Fatalf("balance = %d, want 10", acct.Balance)
	}

	if ok, err := st.DebitAccount(ctx, "nobody", 1); err != nil || ok {
		t.Fatalf("debit of a missing account = %v, %v; want false", ok, err)
	}
	if ok, err := st.DebitAccount(ctx, "nobody", 0); err != nil || !ok {
		t.Fatalf("zero debit = %v, %v; want true", ok, err)
	}
}

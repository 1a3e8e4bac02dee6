package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/digichar/keeper/internal/auction"
	"github.com/digichar/keeper/internal/chain"
	"github.com/digichar/keeper/internal/store"
)

var out io.Writer = os.Stdout

func statusCmd(c *cli.Context) error {
	e, err := open(c, true, true)
	if err != nil {
		return err
	}
	defer e.Close()

	r, err := e.client.CurrentRound(e.ctx)
	if err != nil {
		return err
	}
	entry, err := e.repos.Ledger.Get(e.ctx, r.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reading ledger: %w", err)
	}
	now := e.clock.Now()

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "round\t%d\n", r.ID)
	fmt.Fprintf(w, "phase\t%s\n", auction.DerivePhase(r, entry, now))
	fmt.Fprintf(w, "ends\t%s (%s)\n", r.EndTime.UTC().Format(time.RFC3339), relative(now, r.EndTime))
	if o, err := e.client.Outcome(e.ctx, r.ID); err == nil {
		bidder := "none"
		if o.TopBidder != nil {
			bidder = o.TopBidder.Hex()
		}
		fmt.Fprintf(w, "leading\t#%d pool=%s top_bidder=%s\n", o.WinningIndex, o.PoolBalance, bidder)
	}
	if entry != nil {
		fmt.Fprintf(w, "ledger\t%s owner=%s attempts=%d\n", entry.Status, entry.Owner, entry.Attempts)
	} else {
		fmt.Fprintf(w, "ledger\tnone\n")
	}
	return w.Flush()
}

func relative(now, t time.Time) string {
	d := t.Sub(now).Truncate(time.Second)
	if d >= 0 {
		return "in " + d.String()
	}
	return (-d).String() + " ago"
}

func fieldsCmd(*cli.Context) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tKIND\tSETTER")
	for _, f := range chain.Fields {
		kind := "uint256"
		if f.Kind == chain.KindAddress {
			kind = "address"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Name, kind, f.Setter)
	}
	return w.Flush()
}

func configGetCmd(c *cli.Context) error {
	e, err := open(c, true, true)
	if err != nil {
		return err
	}
	defer e.Close()
	mgr := e.configManager()

	if field := c.Args().First(); field != "" {
		v, err := mgr.Get(e.ctx, chain.Field(field))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
		return nil
	}

	snap, err := mgr.Snapshot(e.ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, f := range chain.Fields {
		fmt.Fprintf(w, "%s\t%s\n", f.Name, snap[f.Name])
	}
	return w.Flush()
}

func configSetCmd(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: keeperctl config set <field> <value>")
	}
	e, err := open(c, true, true)
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := e.configManager().Set(e.ctx, chain.Field(c.Args().Get(0)), c.Args().Get(1))
	if err != nil {
		return err
	}
	if res.NoOp {
		fmt.Fprintf(out, "%s already %s, nothing sent\n", res.Field, res.Value)
		return nil
	}
	fmt.Fprintf(out, "%s: %s -> %s (tx %s)\n", res.Field, res.Previous, res.Value, res.TxHash)
	return nil
}

func ledgerListCmd(c *cli.Context) error {
	statuses := []store.LedgerStatus{
		store.LedgerClaimed, store.LedgerSubmitted, store.LedgerClosed, store.LedgerReleased, store.LedgerFailed,
	}
	if raw := c.StringSlice("status"); len(raw) > 0 {
		statuses = statuses[:0]
		for _, s := range raw {
			statuses = append(statuses, store.LedgerStatus(s))
		}
	}

	e, err := open(c, true, false)
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := e.repos.Ledger.ListByStatus(e.ctx, statuses...)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROUND\tSTATUS\tOWNER\tATTEMPTS\tTX\tUPDATED\tLAST ERROR")
	for _, en := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			en.RoundID, en.Status, en.Owner, en.Attempts, deref(en.TxHash),
			en.UpdatedAt.UTC().Format(time.RFC3339), deref(en.LastError))
	}
	return w.Flush()
}

func ledgerResetCmd(c *cli.Context) error {
	id, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil {
		return fmt.Errorf("usage: keeperctl ledger reset <round>")
	}
	e, err := open(c, true, false)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.repos.Ledger.Reset(e.ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "round %d reset, the coordinator retries on its next tick\n", id)
	return nil
}

func batchesCmd(c *cli.Context) error {
	e, err := open(c, true, false)
	if err != nil {
		return err
	}
	defer e.Close()

	batches, err := e.repos.Batches.ListByStatus(e.ctx, store.BatchPending, store.BatchPublished)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROUND\tSTATUS\tTX\tCREATED")
	for _, b := range batches {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", b.RoundID, b.Status, deref(b.TxHash), b.CreatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

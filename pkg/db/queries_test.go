package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestApplyMigrationsIdempotent(t *testing.T) {
	database := openTestDB(t)
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second migration run failed: %v", err)
	}
	ok, err := columnExists(database.DB, "orders", "suspect")
	if err != nil || !ok {
		t.Fatalf("expected orders.suspect column, got %v %v", ok, err)
	}
}

func TestBarsAndWatermarks(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }

	bars := []Bar{
		{SubscriptionID: "s1", Ticker: "600000", Granularity: "1d", Time: day(1), Open: 1, High: 2, Low: 0.5, Close: 1.5},
		{SubscriptionID: "s1", Ticker: "600000", Granularity: "1d", Time: day(2), Open: 1.5, High: 2, Low: 1, Close: 1.8},
		{SubscriptionID: "s1", Ticker: "600000", Granularity: "1d", Time: day(3), Open: 1.8, High: 2, Low: 1, Close: 1.9},
	}
	if err := database.InsertBars(ctx, bars); err != nil {
		t.Fatalf("insert bars: %v", err)
	}
	// replaying the same rows must not fail or duplicate
	if err := database.InsertBars(ctx, bars[:1]); err != nil {
		t.Fatalf("replay bars: %v", err)
	}

	t.Run("range query", func(t *testing.T) {
		got, err := database.ListBars(ctx, "s1", day(2), time.Time{}, 0)
		if err != nil {
			t.Fatalf("list bars: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 bars, got %d", len(got))
		}
		if !got[0].Time.Equal(day(2)) || got[1].Close != 1.9 {
			t.Errorf("unexpected bars: %+v", got)
		}
	})

	t.Run("watermark never moves back", func(t *testing.T) {
		if _, err := database.GetWatermark(ctx, "s1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := database.UpsertWatermark(ctx, Watermark{SubscriptionID: "s1", Ticker: "600000", Time: day(3)}); err != nil {
			t.Fatalf("upsert watermark: %v", err)
		}
		if err := database.UpsertWatermark(ctx, Watermark{SubscriptionID: "s1", Ticker: "600000", Time: day(2)}); err != nil {
			t.Fatalf("upsert watermark: %v", err)
		}
		w, err := database.GetWatermark(ctx, "s1")
		if err != nil {
			t.Fatalf("get watermark: %v", err)
		}
		if !w.Time.Equal(day(3)) {
			t.Errorf("expected watermark %v, got %v", day(3), w.Time)
		}
	})
}

func TestOrdersAndTrades(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	o := Order{
		LocalID: "L1", Ticker: "600000", Exchange: "SSE", Side: "BUY",
		Qty: 300, RemainingQty: 300, LimitPrice: decimal.RequireFromString("10.25"), Status: "SUBMITTED",
	}
	if err := database.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	o.VenueID = "V1"
	o.RemainingQty = 0
	o.FilledQty = 300
	o.AvgFillPrice = decimal.RequireFromString("10.2")
	o.Status = "FILLED"
	o.ClosedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	if err := database.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("update order: %v", err)
	}

	open, err := database.ListOpenOrders(ctx)
	if err != nil {
		t.Fatalf("list open orders: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open orders, got %d", len(open))
	}

	all, err := database.ListOrders(ctx, 10)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(all) != 1 || all[0].VenueID != "V1" || !all[0].LimitPrice.Equal(decimal.RequireFromString("10.25")) || !all[0].ClosedAt.Valid {
		t.Fatalf("unexpected orders: %+v", all)
	}

	tr := Trade{OrderID: "L1", ExecKey: "E1", VenueOrderID: "V1", Ticker: "600000", Exchange: "SSE", Side: "BUY", Price: decimal.RequireFromString("10.2"), Qty: 300}
	for i := 0; i < 2; i++ {
		if err := database.CreateTrade(ctx, tr); err != nil {
			t.Fatalf("create trade: %v", err)
		}
	}
	trades, err := database.ListTrades(ctx, "L1")
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Errorf("expected 1 trade, got %d", len(trades))
	}
}

func TestReplacePositions(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	if err := database.UpsertPosition(ctx, Position{Ticker: "AAA", Qty: 100, AvgPrice: decimal.NewFromInt(10)}); err != nil {
		t.Fatalf("upsert position: %v", err)
	}
	if err := database.ReplacePositions(ctx, []Position{{Ticker: "BBB", Qty: 50, AvgPrice: decimal.NewFromInt(20)}}); err != nil {
		t.Fatalf("replace positions: %v", err)
	}
	ps, err := database.ListPositions(ctx)
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(ps) != 1 || ps[0].Ticker != "BBB" || ps[0].Qty != 50 {
		t.Fatalf("unexpected positions: %+v", ps)
	}
}

func TestReconciliationReports(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	if err := database.SaveReconciliationReport(ctx, ReconciliationReport{ID: "r1", HasDiffs: true, SyncedCount: 1, Diffs: `[{"ticker":"AAA"}]`}); err != nil {
		t.Fatalf("save report: %v", err)
	}
	rs, err := database.ListReconciliationReports(ctx, 10)
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(rs) != 1 || !rs[0].HasDiffs || rs[0].SyncedCount != 1 {
		t.Fatalf("unexpected reports: %+v", rs)
	}
}

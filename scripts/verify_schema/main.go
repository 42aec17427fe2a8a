package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// required lists the tables the bridge writes and the columns added after
// the first release.
var required = []struct {
	table   string
	columns []string
}{
	{"bars", []string{"subscription_id", "ts", "close"}},
	{"watermarks", []string{"subscription_id", "ts"}},
	{"orders", []string{"local_id", "venue_id", "status", "foreign_order", "suspect", "closed_at"}},
	{"trades", []string{"order_id", "exec_key"}},
	{"positions", []string{"ticker", "qty", "avg_price"}},
	{"reconciliation_reports", []string{"id", "has_diffs", "diffs"}},
}

func main() {
	dbPath := "xtp_bridge.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	missing := 0
	for i, want := range required {
		fmt.Printf("\n%d. Verifying %s table...\n", i+1, want.table)
		var ddl string
		err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name=?", want.table).Scan(&ddl)
		if err == sql.ErrNoRows {
			fmt.Printf("❌ %s table MISSING\n", want.table)
			missing++
			continue
		}
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		fmt.Printf("✓ %s table exists\n", want.table)

		cols, err := columns(db, want.table)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		for _, c := range want.columns {
			if cols[c] {
				continue
			}
			fmt.Printf("❌ %s.%s column MISSING\n", want.table, c)
			missing++
		}
	}

	if missing > 0 {
		fmt.Printf("\n%d schema problems; start the bridge once to migrate.\n", missing)
		os.Exit(1)
	}
	fmt.Println("\nSchema OK")
}

func columns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + strings.ReplaceAll(table, "'", "") + ")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

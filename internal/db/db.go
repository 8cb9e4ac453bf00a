// Package db keeps a rolling history of decoded reports in sqlite.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/underpass.report/internal/monitoring"
	"github.com/banshee-data/underpass.report/internal/report"
)

type DB struct {
	*sql.DB
	path string
	// Retention is the number of reports kept; 0 keeps everything.
	Retention int
}

// pragmas are applied to every connection.
const pragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)" +
	"&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)"

// NewDB opens the history database at path and applies the migrations.
func NewDB(path string, retention int) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", "file:"+path+pragmas)
	if err != nil {
		return nil, err
	}
	// one writer (the sink worker) and occasional API reads
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, path: path, Retention: retention}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecordReport appends r and trims the table to Retention rows.
func (db *DB) RecordReport(ctx context.Context, r report.Report) error {
	var levelCode any
	if r.LevelCode != nil {
		levelCode = int(*r.LevelCode)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO reports (
			ts_unix_nano, luminosity, duty_cycle, temperature, pressure, humidity, water_level,
			moto_yellow, moto_red, auto_yellow, auto_red, camion_yellow, camion_red,
			drastic_change, level_code
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UnixNano(), r.Luminosity, r.DutyCycle, r.Temperature, r.Pressure, r.Humidity, r.WaterLevel,
		boolInt(r.Lights.Moto.Yellow), boolInt(r.Lights.Moto.Red),
		boolInt(r.Lights.Auto.Yellow), boolInt(r.Lights.Auto.Red),
		boolInt(r.Lights.Camion.Yellow), boolInt(r.Lights.Camion.Red),
		boolInt(r.DrasticChange), levelCode,
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}

	if db.Retention > 0 {
		if _, err := db.ExecContext(ctx, `
			DELETE FROM reports WHERE id <= (
				SELECT id FROM reports ORDER BY id DESC LIMIT 1 OFFSET ?
			)`, db.Retention); err != nil {
			return fmt.Errorf("failed to trim reports: %w", err)
		}
	}
	return nil
}

// RecentReports returns up to n of the newest reports, oldest first.
func (db *DB) RecentReports(ctx context.Context, n int) ([]report.Report, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT ts_unix_nano, luminosity, duty_cycle, temperature, pressure, humidity, water_level,
			moto_yellow, moto_red, auto_yellow, auto_red, camion_yellow, camion_red,
			drastic_change, level_code
		FROM (SELECT * FROM reports ORDER BY id DESC LIMIT ?)
		ORDER BY id ASC`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []report.Report
	for rows.Next() {
		var (
			r         report.Report
			ts        int64
			levelCode sql.NullInt64
		)
		if err := rows.Scan(&ts, &r.Luminosity, &r.DutyCycle, &r.Temperature, &r.Pressure, &r.Humidity, &r.WaterLevel,
			&r.Lights.Moto.Yellow, &r.Lights.Moto.Red,
			&r.Lights.Auto.Yellow, &r.Lights.Auto.Red,
			&r.Lights.Camion.Yellow, &r.Lights.Camion.Red,
			&r.DrasticChange, &levelCode,
		); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(0, ts)
		if levelCode.Valid {
			code := uint8(levelCode.Int64)
			r.LevelCode = &code
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reports, nil
}

// CountReports returns the number of stored reports.
func (db *DB) CountReports(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reports").Scan(&n)
	return n, err
}

// AttachAdminRoutes mounts tailsql and a backup download under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Underpass history",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the history now", http.HandlerFunc(db.serveBackup))
	debug.KVFunc("History rows", db.historyRows)
	debug.KVFunc("Schema version", db.schemaVersion)
	return nil
}

func (db *DB) historyRows() any {
	n, err := db.CountReports(context.Background())
	if err != nil {
		return "error: " + err.Error()
	}
	return n
}

func (db *DB) schemaVersion() any {
	version, dirty, err := db.MigrateVersion()
	switch {
	case err != nil:
		return "error: " + err.Error()
	case dirty:
		return fmt.Sprintf("%d (dirty)", version)
	default:
		return version
	}
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("underpass-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	// remove the backup from the filesystem after sending it
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		monitoring.Logf("failed to stream backup: %v", err)
	}
}

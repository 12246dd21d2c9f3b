//go:build integration

package db

import (
	"fmt"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/zulandar/outreach/internal/config"
	"github.com/zulandar/outreach/internal/models"
	"gorm.io/gorm"
)

// testDoltServer manages a Dolt SQL server lifecycle for integration tests.
type testDoltServer struct {
	Port int
	Dir  string
	cmd  *exec.Cmd
}

// startDoltServer initializes a Dolt repo in a temp directory and starts
// dolt sql-server on a free port. The server is automatically stopped
// when the test completes.
func startDoltServer(t *testing.T) *testDoltServer {
	t.Helper()

	dir := t.TempDir()

	// Configure dolt identity for the temp repo
	for _, kv := range [][2]string{
		{"user.name", "Test Runner"},
		{"user.email", "test@outreach.dev"},
	} {
		cfg := exec.Command("dolt", "config", "--global", "--add", kv[0], kv[1])
		cfg.Dir = dir
		cfg.CombinedOutput() // ignore errors if already set
	}

	// Initialize dolt repo
	init := exec.Command("dolt", "init")
	init.Dir = dir
	if out, err := init.CombinedOutput(); err != nil {
		t.Fatalf("dolt init: %s\n%s", err, out)
	}

	port := freePort(t)

	cmd := exec.Command("dolt", "sql-server",
		"--port", fmt.Sprintf("%d", port),
		"--host", "127.0.0.1",
	)
	cmd.Dir = dir

	if err := cmd.Start(); err != nil {
		t.Fatalf("dolt sql-server start: %v", err)
	}

	srv := &testDoltServer{Port: port, Dir: dir, cmd: cmd}

	t.Cleanup(func() {
		srv.cmd.Process.Kill()
		srv.cmd.Wait()
	})

	waitForServer(t, port)
	return srv
}

// freePort finds an available TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// waitForServer polls until the Dolt server accepts TCP connections.
func waitForServer(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("dolt sql-server not ready on port %d after 10s", port)
}

func doltConfig(port int, name string) config.DatabaseConfig {
	return config.DatabaseConfig{Driver: "mysql", Host: "127.0.0.1", Port: port, User: "root", Name: name}
}

// initDatabase runs the same steps as "outreach db init".
func initDatabase(t *testing.T, srv *testDoltServer, name string) *gorm.DB {
	t.Helper()
	cfg := doltConfig(srv.Port, name)
	adminDB, err := ConnectAdmin(cfg)
	if err != nil {
		t.Fatalf("ConnectAdmin: %v", err)
	}
	if err := CreateDatabase(adminDB, name); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	db, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func TestIntegration_ConnectAdmin(t *testing.T) {
	srv := startDoltServer(t)
	db, err := ConnectAdmin(doltConfig(srv.Port, "outreach_acme"))
	if err != nil {
		t.Fatalf("ConnectAdmin: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	if err := sqlDB.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestIntegration_CreateDatabase_Idempotent(t *testing.T) {
	srv := startDoltServer(t)
	adminDB, err := ConnectAdmin(doltConfig(srv.Port, ""))
	if err != nil {
		t.Fatalf("ConnectAdmin: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := CreateDatabase(adminDB, "outreach_test"); err != nil {
			t.Fatalf("CreateDatabase (attempt %d): %v", i+1, err)
		}
	}
}

func TestIntegration_AutoMigrate_AllTables(t *testing.T) {
	srv := startDoltServer(t)
	db := initDatabase(t, srv, "outreach_migrate")

	for _, m := range AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
	// Running it again against an existing schema is a no-op.
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("second AutoMigrate: %v", err)
	}
}

func TestIntegration_SeedSettings(t *testing.T) {
	srv := startDoltServer(t)
	db := initDatabase(t, srv, "outreach_seed")

	s, err := SeedSettings(db, "acme")
	if err != nil {
		t.Fatalf("SeedSettings: %v", err)
	}
	if s.Enabled || s.DailyLimit != 40 || s.Timezone != "UTC" {
		t.Errorf("unexpected defaults: enabled=%v limit=%d tz=%q", s.Enabled, s.DailyLimit, s.Timezone)
	}

	if err := db.Model(&models.AutomationSettings{}).Where("account_id = ?", "acme").
		Update("daily_limit", 12).Error; err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := SeedSettings(db, "acme")
	if err != nil {
		t.Fatalf("second SeedSettings: %v", err)
	}
	if again.DailyLimit != 12 {
		t.Errorf("reseeding overwrote daily_limit: got %d, want 12", again.DailyLimit)
	}

	var n int64
	db.Model(&models.AutomationSettings{}).Count(&n)
	if n != 1 {
		t.Errorf("settings rows = %d, want 1", n)
	}
}

package mysql

import (
	"database/sql"
	"fmt"
	"testing"

	_ "github.com/go-sql-driver/mysql"

	"github.com/tqdev/sqlgate/parser"
)

// The handshake the gateway emits has to be accepted by a stock MySQL
// client. The driver dials the listener, authenticates with
// native_password and round-trips a ping and a session command.
func TestStockDriverHandshake(t *testing.T) {
	r := &stubRouter{}
	srv := NewServer("127.0.0.1:0", r, testRepo(t), Options{
		Classifier: parser.IsSessionModifying,
	})
	listener, err := srv.Start()
	if err != nil {
		t.Fatalf("Failed to start gateway: %v", err)
	}
	defer listener.Close()

	dsn := fmt.Sprintf("alice:secret@tcp(%s)/", listener.Addr())
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		t.Fatalf("Ping through the gateway failed: %v", err)
	}

	// A SET statement is journaled and answered with the canonical OK
	if _, err := db.Exec("SET autocommit=1"); err != nil {
		t.Fatalf("SET through the gateway failed: %v", err)
	}
	if r.last() == nil || r.last().list.Len() != 1 {
		t.Error("Expected the SET to be journaled")
	}
}

func TestStockDriverAccessDenied(t *testing.T) {
	srv := NewServer("127.0.0.1:0", &stubRouter{}, testRepo(t), Options{})
	listener, err := srv.Start()
	if err != nil {
		t.Fatalf("Failed to start gateway: %v", err)
	}
	defer listener.Close()

	dsn := fmt.Sprintf("alice:badpass@tcp(%s)/", listener.Addr())
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err == nil {
		t.Fatal("Expected access denied")
	}
}

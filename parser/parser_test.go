package parser

import "testing"

func TestParseQueryType(t *testing.T) {
	tests := []struct {
		query string
		want  QueryType
	}{
		{"SELECT * FROM users", QuerySelect},
		{"select id from t", QuerySelect},
		{"INSERT INTO t (a) VALUES (1)", QueryInsert},
		{"UPDATE t SET a = 1", QueryUpdate},
		{"DELETE FROM t WHERE a = 1", QueryDelete},
		{"SET autocommit=0", QuerySet},
		{"set names utf8", QuerySet},
		{"USE mydb", QueryUse},
		{"  USE mydb", QueryUse},
		{"SHOW TABLES", QueryUnknown},
		{"", QueryUnknown},
	}

	for _, tt := range tests {
		got := Parse(tt.query).Type
		if got != tt.want {
			t.Errorf("Parse(%q).Type = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestParseLeadingKeywordOnly(t *testing.T) {
	// Keywords inside the statement must not reclassify it
	p := Parse("SELECT 'SET autocommit=0' FROM t")
	if p.Type != QuerySelect {
		t.Errorf("Expected select, got %v", p.Type)
	}
	if p.IsSessionModifying() {
		t.Error("SELECT containing 'SET' text must not be session-modifying")
	}

	p = Parse("INSERT INTO settings (k) VALUES ('USE')")
	if p.Type != QueryInsert {
		t.Errorf("Expected insert, got %v", p.Type)
	}
}

func TestParseHints(t *testing.T) {
	p := Parse("/* ttl:60 file:user.go line:42 */ SELECT * FROM users")
	if p.TTL != 60 {
		t.Errorf("Expected TTL 60, got %d", p.TTL)
	}
	if p.File != "user.go" {
		t.Errorf("Expected file user.go, got %q", p.File)
	}
	if p.Line != 42 {
		t.Errorf("Expected line 42, got %d", p.Line)
	}
	if p.Query != "SELECT * FROM users" {
		t.Errorf("Hint not stripped: %q", p.Query)
	}
	if !p.IsCacheable() {
		t.Error("Hinted SELECT should be cacheable")
	}
}

func TestParseTTLIgnoredForWrites(t *testing.T) {
	p := Parse("/* ttl:60 */ UPDATE t SET a = 1")
	if p.TTL != 0 {
		t.Errorf("Expected TTL 0 for write, got %d", p.TTL)
	}
	if p.IsCacheable() {
		t.Error("Write must not be cacheable")
	}
}

func TestIsSessionModifying(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"SET autocommit=0", true},
		{"USE mydb", true},
		{"SELECT 1", false},
		{"INSERT INTO t VALUES (1)", false},
		{"/* ttl:5 */ SET NAMES utf8", true},
	}

	for _, tt := range tests {
		if got := IsSessionModifying([]byte(tt.query)); got != tt.want {
			t.Errorf("IsSessionModifying(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

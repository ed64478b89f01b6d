package config

import "testing"

func TestLoad_DefaultsToFileBackend(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBType != DBTypeFile {
		t.Errorf("DBType = %q, want %q", cfg.DBType, DBTypeFile)
	}
}

func TestLoad_RowstoreRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DB_TYPE", "rowstore")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("NEON_DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error when DB_TYPE=rowstore without a DATABASE_URL")
	}
}

func TestLoad_RowstoreAcceptsDatabaseURL(t *testing.T) {
	t.Setenv("DB_TYPE", "rowstore")
	t.Setenv("DATABASE_URL", "postgres://localhost/hoopcal")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBType != DBTypeRowstore {
		t.Errorf("DBType = %q, want %q", cfg.DBType, DBTypeRowstore)
	}
}

func TestLoad_EdgeSQLRequiresURL(t *testing.T) {
	t.Setenv("DB_TYPE", "edgesql")
	t.Setenv("EDGESQL_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error when DB_TYPE=edgesql without an EDGESQL_URL")
	}
}

func TestLoad_UnrecognizedDBTypeRejected(t *testing.T) {
	t.Setenv("DB_TYPE", "bogus")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unrecognized DB_TYPE")
	}
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{Environment: "production"}
	if !cfg.IsProduction() {
		t.Error("expected IsProduction() to be true")
	}
	cfg.Environment = "development"
	if cfg.IsProduction() {
		t.Error("expected IsProduction() to be false")
	}
}

func TestEnvInt_FallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	if got := envInt("SOME_INT", 42); got != 42 {
		t.Errorf("envInt = %d, want fallback 42", got)
	}
}

func TestEnvList_SplitsAndTrims(t *testing.T) {
	t.Setenv("SOME_LIST", "a, b ,c")
	got := envList("SOME_LIST", []string{"fallback"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("envList = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("envList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEnvBool_FallsBackOnEmpty(t *testing.T) {
	if got := envBool("UNSET_BOOL_VAR", true); !got {
		t.Error("envBool should return the fallback when unset")
	}
}

package secrets

import (
	"testing"

	"flashguard/internal/config"
)

func TestNewStoreFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.SecretsConfig
		want    string
		wantErr bool
	}{
		{name: "age", cfg: config.SecretsConfig{Type: "age", Path: "/tmp/s.age"}, want: "*secrets.AgeStore"},
		{name: "memory", cfg: config.SecretsConfig{Type: "memory"}, want: "*secrets.MemoryStore"},
		{name: "age without path", cfg: config.SecretsConfig{Type: "age"}, wantErr: true},
		{name: "unknown", cfg: config.SecretsConfig{Type: "vault"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewStoreFromConfig(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("NewStoreFromConfig() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewStoreFromConfig() error = %v", err)
			}
			if typeName(got) != tt.want {
				t.Errorf("NewStoreFromConfig() = %s, want %s", typeName(got), tt.want)
			}
		})
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *AgeStore:
		return "*secrets.AgeStore"
	case *MemoryStore:
		return "*secrets.MemoryStore"
	}
	return "unknown"
}

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"formkeep/internal/config"
	"formkeep/internal/testutil"
)

func TestNewStorageFromConfig(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.StorageConfig
		wantType   string
		wantSigner bool
		wantErr    bool
	}{
		{
			name:       "memory",
			cfg:        config.StorageConfig{Type: "memory", SigningSecret: "s"},
			wantType:   "*storage.MemoryStorage",
			wantSigner: true,
		},
		{
			name:       "filesystem",
			cfg:        config.StorageConfig{Type: "filesystem", SigningSecret: "s", FSRoot: filepath.Join(t.TempDir(), "objects")},
			wantType:   "*storage.FileSystemStorage",
			wantSigner: true,
		},
		{
			name:    "filesystem without root",
			cfg:     config.StorageConfig{Type: "filesystem", SigningSecret: "s"},
			wantErr: true,
		},
		{
			name:    "memory without secret",
			cfg:     config.StorageConfig{Type: "memory"},
			wantErr: true,
		},
		{
			name:    "s3 without bucket",
			cfg:     config.StorageConfig{Type: "s3"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			cfg:     config.StorageConfig{Type: "ftp"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, signer, err := NewStorageFromConfig(context.Background(), tt.cfg, testutil.FixedClock())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewStorageFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := typeName(s); got != tt.wantType {
				t.Errorf("type = %s, want %s", got, tt.wantType)
			}
			if (signer != nil) != tt.wantSigner {
				t.Errorf("signer = %v, wantSigner %v", signer, tt.wantSigner)
			}
		})
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *MemoryStorage:
		return "*storage.MemoryStorage"
	case *FileSystemStorage:
		return "*storage.FileSystemStorage"
	case *S3Storage:
		return "*storage.S3Storage"
	default:
		return "unknown"
	}
}

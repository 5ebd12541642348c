package storage

import (
	"bytes"
	"testing"
	"time"

	"gopkg.in/yaml.v2"
)

func TestKVConfig_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		want    KVConfig
		wantErr bool
	}{
		{
			name: "valid/canonical case",
			config: `storageDir: ./tempTestDir3012705204
keyTTL: "168h"`,
			want: KVConfig{
				StorageDirPath: "./tempTestDir3012705204",
				KeyTTLDuration: 168 * time.Hour,
			},
		},
		{
			name:   "no key TTL",
			config: `storageDir: ./tempTestDir3012705204`,
			want:   KVConfig{StorageDirPath: "./tempTestDir3012705204"},
		},
		{
			name: "key TTL not a duration",
			config: `storageDir: ./tempTestDir3012705204
keyTTL: "168"`,
			wantErr: true,
		},
		{
			name:    "no storage path",
			config:  `keyTTL: "168h"`,
			wantErr: true,
		},
		{
			name:    "not an object",
			config:  `[]`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := bytes.NewBuffer([]byte(tt.config))
			dec := yaml.NewDecoder(buf)
			var c KVConfig
			err := dec.Decode(&c)
			if (err != nil) != tt.wantErr {
				t.Fatalf("wantErr = %v but got %v with err %v", tt.wantErr, err != nil, err)
			}
			if !tt.wantErr && c != tt.want {
				t.Errorf("wanted %+v but got %+v", tt.want, c)
			}
		})
	}
}

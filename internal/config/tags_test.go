package config

import (
	"reflect"
	"testing"
)

func TestParseTags(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    map[string]string
		wantErr bool
	}{
		{
			name:    "empty",
			entries: nil,
			want:    map[string]string{},
		},
		{
			name:    "single tag",
			entries: []string{"pool=prod"},
			want:    map[string]string{"pool": "prod"},
		},
		{
			name:    "whitespace trimmed",
			entries: []string{" pool = prod ", "dc=ams1"},
			want:    map[string]string{"pool": "prod", "dc": "ams1"},
		},
		{
			name:    "value containing equals",
			entries: []string{"note=a=b"},
			want:    map[string]string{"note": "a=b"},
		},
		{
			name:    "missing separator",
			entries: []string{"pool"},
			wantErr: true,
		},
		{
			name:    "empty key",
			entries: []string{"=prod"},
			wantErr: true,
		},
		{
			name:    "empty value",
			entries: []string{"pool="},
			wantErr: true,
		},
		{
			name:    "duplicate key",
			entries: []string{"pool=a", "pool=b"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTags(tt.entries)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseTags() = %v, want %v", got, tt.want)
			}
		})
	}
}

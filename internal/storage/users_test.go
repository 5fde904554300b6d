package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strptr(s string) *string { return &s }

func TestParseSecondaryRoles(t *testing.T) {
	cases := []struct {
		name string
		in   *string
		want []string
	}{
		{"nil", nil, nil},
		{"empty", strptr(""), nil},
		{"json array", strptr(`["knowledge_reader","graph_reader"]`), []string{"knowledge_reader", "graph_reader"}},
		{"comma string", strptr("knowledge_reader,graph_reader"), []string{"knowledge_reader", "graph_reader"}},
		{"comma with spaces", strptr(" knowledge_reader , graph_reader "), []string{"knowledge_reader", "graph_reader"}},
		{"single role", strptr("admin"), []string{"admin"}},
		{"malformed json falls back to comma", strptr(`["broken`), []string{`["broken`}},
		{"empty json array", strptr(`[]`), nil},
		{"trailing comma", strptr("admin,"), []string{"admin"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseSecondaryRoles(tc.in))
		})
	}
}

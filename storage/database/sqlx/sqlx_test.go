package sqlxrepos

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ccscampus/campus/core"
)

func Test_orderBy(t *testing.T) {
	tests := []struct {
		name     string
		ordering []core.DBOrdering
		want     string
	}{
		{name: "none", want: ""},
		{name: "desc by default", ordering: []core.DBOrdering{{Field: "due_date"}}, want: " ORDER BY due_date DESC"},
		{name: "student ordering", ordering: studentOrdering, want: " ORDER BY name ASC, id ASC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, orderBy(tt.ordering...))
		})
	}
}

func Test_pqCode(t *testing.T) {
	assert.Equal(t, "", pqCode(assert.AnError))
}

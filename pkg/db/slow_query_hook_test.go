package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirstWord(t *testing.T) {
	assert.Equal(t, "SELECT", firstWord("SELECT id FROM projects"))
	assert.Equal(t, "UPDATE", firstWord("\n\t  UPDATE milestones SET"))
	assert.Equal(t, "COMMIT", firstWord("COMMIT"))
	assert.Equal(t, "unknown", firstWord(""))
}

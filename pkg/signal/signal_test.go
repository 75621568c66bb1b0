package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaceKeyString(t *testing.T) {
	key := RaceKey{Regatta: "spring-cup", Race: 3}
	assert.Equal(t, "spring-cup/3", key.String())

	key.Fleet = "laser"
	assert.Equal(t, "spring-cup/3/laser", key.String())
}

func TestRaceKeyValidate(t *testing.T) {
	require.NoError(t, RaceKey{Regatta: "spring-cup", Race: 1}.Validate())
	require.NoError(t, RaceKey{Regatta: "spring-cup", Race: 2, Fleet: "470"}.Validate())

	require.ErrorIs(t, RaceKey{Race: 1}.Validate(), ErrInvalidRaceKey)
	require.ErrorIs(t, RaceKey{Regatta: "spring-cup", Race: 0}.Validate(), ErrInvalidRaceKey)
	require.ErrorIs(t, RaceKey{Regatta: "a/b", Race: 1}.Validate(), ErrInvalidRaceKey)
	require.ErrorIs(t, RaceKey{Regatta: "cup", Race: 1, Fleet: "x/y"}.Validate(), ErrInvalidRaceKey)
}

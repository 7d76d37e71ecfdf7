package action

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstructionIsTotalOverCatalog(t *testing.T) {
	for _, id := range []ID{TranslateEnglish, TranslateRussian, Transcribe} {
		instruction, err := Instruction(id)
		require.NoError(t, err, id)
		require.NotEmpty(t, instruction, id)
	}
}

func TestInstructionRejectsUnknownIDs(t *testing.T) {
	for _, raw := range []string{"", "translate_de", "TRANSCRIBE", " transcribe"} {
		_, err := Instruction(ID(raw))
		require.ErrorIs(t, err, ErrUnknownAction, raw)
	}
}

func TestEveryOptionResolvesAndEveryActionIsOffered(t *testing.T) {
	offered := map[ID]bool{}
	for _, option := range Options() {
		require.NotEmpty(t, option.Label)
		_, err := Instruction(option.ID)
		require.NoError(t, err, option.ID)
		offered[option.ID] = true
	}

	for _, id := range []ID{TranslateEnglish, TranslateRussian, Transcribe} {
		require.True(t, offered[id], "action %s is not offered", id)
	}
	require.Len(t, offered, 3)
}

func TestKeyboardRows(t *testing.T) {
	rows := Keyboard()
	require.Len(t, rows, 2)
	require.Equal(t, []ID{TranslateEnglish, TranslateRussian}, []ID{rows[0][0].ID, rows[0][1].ID})
	require.Equal(t, Transcribe, rows[1][0].ID)

	rows[0][0].Label = "mutated"
	require.NotEqual(t, "mutated", Keyboard()[0][0].Label)
}

func TestParse(t *testing.T) {
	id, err := Parse(" transcribe ")
	require.NoError(t, err)
	require.Equal(t, Transcribe, id)

	_, err = Parse("nope")
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestLabel(t *testing.T) {
	require.Equal(t, "📝 Transcribe text", Label(Transcribe))
	require.Equal(t, "other", Label("other"))
}

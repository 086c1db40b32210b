package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "mailconsent/pkg/domain-errors"
)

func TestOptOutNormalize(t *testing.T) {
	t.Run("nil consent forces everything scope", func(t *testing.T) {
		o := OptOut{}
		o.Normalize()
		assert.True(t, o.IsEverything)
	})

	t.Run("scoped opt-out untouched", func(t *testing.T) {
		consentID := int64(7)
		o := OptOut{ConsentID: &consentID}
		o.Normalize()
		assert.False(t, o.IsEverything)
		require.NotNil(t, o.ConsentID)
		assert.Equal(t, int64(7), *o.ConsentID)
	})
}

func TestOptOutValidate(t *testing.T) {
	consentID := int64(7)

	t.Run("everything with consent reference is invalid", func(t *testing.T) {
		o := OptOut{ConsentID: &consentID, IsEverything: true}
		err := o.Validate()
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("scoped without consent reference is invalid", func(t *testing.T) {
		o := OptOut{}
		err := o.Validate()
		require.Error(t, err)
	})

	t.Run("normalized rows validate", func(t *testing.T) {
		scoped := OptOut{ConsentID: &consentID}
		scoped.Normalize()
		assert.NoError(t, scoped.Validate())

		everything := OptOut{}
		everything.Normalize()
		assert.NoError(t, everything.Validate())
	})
}

func TestSourceResolve(t *testing.T) {
	src := &Source{ID: 1, Name: "Newsletter", Definition: "Monthly product news"}
	translations := []Translation{
		{SourceID: 1, LanguageCode: "da", Name: "Nyhedsbrev", Definition: "Månedlige produktnyheder"},
		{SourceID: 2, LanguageCode: "da", Name: "Andet", Definition: "Hører ikke til kilden"},
	}

	t.Run("translation wins when present", func(t *testing.T) {
		name, def := src.Resolve(translations, "da")
		assert.Equal(t, "Nyhedsbrev", name)
		assert.Equal(t, "Månedlige produktnyheder", def)
	})

	t.Run("falls back to base values on miss", func(t *testing.T) {
		name, def := src.Resolve(translations, "de")
		assert.Equal(t, "Newsletter", name)
		assert.Equal(t, "Monthly product news", def)
	})

	t.Run("ignores translations of other sources", func(t *testing.T) {
		name, _ := src.Resolve(translations[1:], "da")
		assert.Equal(t, "Newsletter", name)
	})
}

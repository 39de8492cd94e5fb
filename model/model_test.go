package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFieldsStripsReservedKeys(t *testing.T) {
	in := json.RawMessage(`{"id":"x","type":"note","synchronizationStatus":"created","rejectionReason":"unknown","title":"hello"}`)

	out, err := SanitizeFields(in)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &fields))

	assert.NotContains(t, fields, FieldDocumentID)
	assert.NotContains(t, fields, FieldDocumentType)
	assert.NotContains(t, fields, FieldDocumentSynchronizationState)
	assert.NotContains(t, fields, FieldDocumentRejectionReason)
	assert.Contains(t, fields, "title")
}

func TestSanitizeFieldsEmptyInput(t *testing.T) {
	out, err := SanitizeFields(nil)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(out))
}

func TestSanitizeFieldsRejectsInvalidJSON(t *testing.T) {
	_, err := SanitizeFields(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := assert.AnError
	err := WrapError(CodeInvalidArgument, "bad field", cause)

	assert.True(t, IsCode(err, CodeInvalidArgument))
	assert.False(t, IsCode(err, CodeGone))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "bad field")
}

func TestNewErrorHasNoCause(t *testing.T) {
	err := NewError(CodeGone, "resource is gone")
	assert.Equal(t, "resource is gone", err.Error())
	assert.Nil(t, err.Unwrap())
}

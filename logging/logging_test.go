package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestMask(t *testing.T) {
	assert.Equal(t, "<not set>", Mask(""))
	assert.Equal(t, "***", Mask("short1"))
	assert.Equal(t, "myve...y123", Mask("myverylongsecretkey123"))
}

func TestRedactHookMasksSensitiveFields(t *testing.T) {
	logger := logrus.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.AddHook(redactHook{})

	logger.WithField("password", "supersecretvalue").Info("login attempt")

	assert.Contains(t, buf.String(), "supe...alue")
	assert.NotContains(t, buf.String(), "supersecretvalue")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, parseLevel("debug"))
	assert.Equal(t, Verbose, parseLevel("verbose"))
	assert.Equal(t, logrus.InfoLevel, parseLevel("unknown"))
}
